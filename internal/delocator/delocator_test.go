package delocator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsworld/delocate/internal/machotest"
	"github.com/appsworld/delocate/macho"
)

func TestDelocateCopiesExternalDependencyAndRewrites(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()

	extLib := machotest.Write(t, extDir, "libext.dylib", machotest.Spec{
		InstallID: "@rpath/libext.dylib",
	})
	mainPath := machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{extLib},
	})

	result, err := Delocate(root, Options{})
	require.NoError(t, err)
	require.Len(t, result.Copied, 1)
	assert.Equal(t, extLib, result.Copied[0].Source)

	dest := filepath.Join(root, ".dylibs", "libext.dylib")
	assert.Equal(t, dest, result.Copied[0].Dest)
	_, statErr := os.Stat(dest)
	require.NoError(t, statErr)

	copied, err := macho.Open(dest)
	require.NoError(t, err)
	assert.Equal(t, "@loader_path/libext.dylib", copied.InstallID())

	rewritten, err := macho.Open(mainPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"@loader_path/.dylibs/libext.dylib"}, rewritten.Dependencies())
}

func TestDelocateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()

	extLib := machotest.Write(t, extDir, "libext.dylib", machotest.Spec{
		InstallID: "@rpath/libext.dylib",
	})
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{extLib},
	})

	_, err := Delocate(root, Options{})
	require.NoError(t, err)

	second, err := Delocate(root, Options{})
	require.NoError(t, err)
	assert.Empty(t, second.Copied, "a second pass over an already-delocated tree should copy nothing new")
}

func TestDelocateReturnsUnresolvedDependencyError(t *testing.T) {
	root := t.TempDir()
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{"libmissing.dylib"},
	})

	_, err := Delocate(root, Options{})
	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "libmissing.dylib", unresolved.Raw)
}

func TestDelocateStripsRpathsPointingOutsideTree(t *testing.T) {
	root := t.TempDir()
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Rpaths:    []string{"/opt/homebrew/lib"},
	})

	mainPath := filepath.Join(root, "libmain.dylib")
	_, err := Delocate(root, Options{})
	require.NoError(t, err)

	f, err := macho.Open(mainPath)
	require.NoError(t, err)
	assert.Empty(t, f.Rpaths())
}

func TestDelocateCopyFilterExcludesDependency(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()

	extLib := machotest.Write(t, extDir, "libskip.dylib", machotest.Spec{
		InstallID: "@rpath/libskip.dylib",
	})
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{extLib},
	})

	result, err := Delocate(root, Options{
		CopyFilter: func(string) bool { return false },
	})
	require.NoError(t, err)
	assert.Empty(t, result.Copied)

	_, statErr := os.Stat(filepath.Join(root, ".dylibs"))
	assert.True(t, os.IsNotExist(statErr), "no sidecar directory should be created when every dependency is filtered out")
}
