package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeExists(paths ...string) Exists {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(path string) bool { return set[path] }
}

func TestResolveExecutablePath(t *testing.T) {
	ctx := Context{Loader: "/wheel/pkg", Executable: "/wheel"}
	got, err := Resolve("@executable_path/libfoo.dylib", ctx, fakeExists())
	require.NoError(t, err)
	assert.Equal(t, "/wheel/libfoo.dylib", got)
}

func TestResolveLoaderPath(t *testing.T) {
	ctx := Context{Loader: "/wheel/pkg", Executable: "/wheel"}
	got, err := Resolve("@loader_path/.dylibs/libfoo.dylib", ctx, fakeExists())
	require.NoError(t, err)
	assert.Equal(t, "/wheel/pkg/.dylibs/libfoo.dylib", got)
}

func TestResolveAbsolutePath(t *testing.T) {
	ctx := Context{Loader: "/wheel/pkg", Executable: "/wheel"}
	got, err := Resolve("/opt/homebrew/lib/libfoo.dylib", ctx, fakeExists())
	require.NoError(t, err)
	assert.Equal(t, "/opt/homebrew/lib/libfoo.dylib", got)
}

func TestResolveRpathFirstMatchWins(t *testing.T) {
	ctx := Context{
		Loader:     "/wheel/pkg",
		Executable: "/wheel",
		Rpaths:     []string{"/wheel/pkg/.dylibs", "/wheel/other/.dylibs"},
	}
	exists := fakeExists("/wheel/other/.dylibs/libfoo.dylib")
	got, err := Resolve("@rpath/libfoo.dylib", ctx, exists)
	require.NoError(t, err)
	assert.Equal(t, "/wheel/other/.dylibs/libfoo.dylib", got)
}

func TestResolveRpathNoneExistIsUnresolved(t *testing.T) {
	ctx := Context{
		Loader:     "/wheel/pkg",
		Executable: "/wheel",
		Rpaths:     []string{"/wheel/pkg/.dylibs"},
	}
	_, err := Resolve("@rpath/libfoo.dylib", ctx, fakeExists())
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "@rpath/libfoo.dylib", unresolved.Raw)
}

func TestResolveRelativeFallsBackToSameDirBasename(t *testing.T) {
	ctx := Context{Loader: "/wheel/pkg", Executable: "/wheel"}
	exists := fakeExists("/wheel/pkg/libfoo.dylib")
	got, err := Resolve("libfoo.dylib", ctx, exists)
	require.NoError(t, err)
	assert.Equal(t, "/wheel/pkg/libfoo.dylib", got)
}

func TestResolveRelativeNoMatchIsUnresolved(t *testing.T) {
	ctx := Context{Loader: "/wheel/pkg", Executable: "/wheel"}
	_, err := Resolve("libfoo.dylib", ctx, fakeExists())
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
}

func TestIsSystem(t *testing.T) {
	assert.True(t, IsSystem("/usr/lib/libSystem.B.dylib"))
	assert.True(t, IsSystem("/System/Library/Frameworks/CoreFoundation.framework/CoreFoundation"))
	assert.False(t, IsSystem("/opt/homebrew/lib/libfoo.dylib"))
}

func TestIsSelf(t *testing.T) {
	assert.True(t, IsSelf("/wheel/pkg/.dylibs/libfoo.dylib", "/wheel"))
	assert.False(t, IsSelf("/opt/homebrew/lib/libfoo.dylib", "/wheel"))
	assert.True(t, IsSelf("/wheel", "/wheel"))
}
