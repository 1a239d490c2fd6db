package listdeps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsworld/delocate/internal/machotest"
)

func TestTreeExcludesSystemLibrariesByDefault(t *testing.T) {
	root := t.TempDir()
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{"/usr/lib/libSystem.B.dylib", "/opt/local/lib/libext.dylib"},
	})

	entries, err := Tree(root, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/opt/local/lib/libext.dylib", entries[0].Dependency)
}

func TestTreeIncludesSystemLibrariesWhenAll(t *testing.T) {
	root := t.TempDir()
	main := machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{"/usr/lib/libSystem.B.dylib"},
	})

	entries, err := Tree(root, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/lib/libSystem.B.dylib", entries[0].Dependency)
	assert.Equal(t, []string{main}, entries[0].Loaders)
}

func TestTreeReportsLoadersForSharedDependency(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()
	extLib := machotest.Write(t, extDir, "libshared.dylib", machotest.Spec{InstallID: "@rpath/libshared.dylib"})

	one := machotest.Write(t, root, "libone.dylib", machotest.Spec{
		InstallID: "@rpath/libone.dylib",
		Deps:      []string{extLib},
	})
	two := machotest.Write(t, root, "libtwo.dylib", machotest.Spec{
		InstallID: "@rpath/libtwo.dylib",
		Deps:      []string{extLib},
	})

	entries, err := Tree(root, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, extLib, entries[0].Dependency)
	assert.ElementsMatch(t, []string{one, two}, entries[0].Loaders)
}

func TestTreeSortsDependenciesByPath(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()
	a := machotest.Write(t, extDir, "liba.dylib", machotest.Spec{InstallID: "@rpath/liba.dylib"})
	b := machotest.Write(t, extDir, "libb.dylib", machotest.Spec{InstallID: "@rpath/libb.dylib"})
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{b, a},
	})

	entries, err := Tree(root, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a, entries[0].Dependency)
	assert.Equal(t, b, entries[1].Dependency)
}
