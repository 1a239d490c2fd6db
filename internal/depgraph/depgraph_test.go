package depgraph

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsworld/delocate/internal/machotest"
)

func TestBuildResolvesLoaderPathAndRpath(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()

	extLib := machotest.Write(t, extDir, "libext.dylib", machotest.Spec{
		InstallID: "@rpath/libext.dylib",
	})

	machotest.Write(t, root, "libhelper.dylib", machotest.Spec{
		InstallID: "@loader_path/libhelper.dylib",
	})
	rpLib := machotest.Write(t, filepath.Join(root, ".dylibs"), "librp.dylib", machotest.Spec{
		InstallID: "@rpath/librp.dylib",
	})
	main := machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{"@loader_path/libhelper.dylib", "@rpath/librp.dylib", extLib, "libmissing.dylib"},
		Rpaths:    []string{"@loader_path/.dylibs"},
	})

	g, err := Build(root, "")
	require.NoError(t, err)

	helper := filepath.Join(root, "libhelper.dylib")
	assert.ElementsMatch(t, []string{main}, g.Loaders(helper))
	assert.ElementsMatch(t, []string{main}, g.Loaders(rpLib))
	assert.ElementsMatch(t, []string{main}, g.Loaders(extLib))

	assert.Equal(t, KindSelf, Classify(helper, root))
	assert.Equal(t, KindExternal, Classify(extLib, root))

	assert.ElementsMatch(t, []string{"libmissing.dylib"}, g.Unresolved[main])
}

func TestBuildDefaultsExecutableToRoot(t *testing.T) {
	root := t.TempDir()
	machotest.Write(t, root, "libonly.dylib", machotest.Spec{
		InstallID: "@rpath/libonly.dylib",
		Deps:      []string{"@executable_path/libsibling.dylib"},
	})
	machotest.Write(t, root, "libsibling.dylib", machotest.Spec{
		InstallID: "@rpath/libsibling.dylib",
	})

	g, err := Build(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, g.Executable)

	sibling := filepath.Join(root, "libsibling.dylib")
	main := filepath.Join(root, "libonly.dylib")
	assert.ElementsMatch(t, []string{main}, g.Loaders(sibling))
}

func TestBuildExecutablePathOverride(t *testing.T) {
	root := t.TempDir()
	binDir := t.TempDir()

	machotest.Write(t, binDir, "libsibling.dylib", machotest.Spec{
		InstallID: "@rpath/libsibling.dylib",
	})
	main := machotest.Write(t, root, "libonly.dylib", machotest.Spec{
		InstallID: "@rpath/libonly.dylib",
		Deps:      []string{"@executable_path/libsibling.dylib"},
	})

	g, err := Build(root, binDir)
	require.NoError(t, err)

	sibling := filepath.Join(binDir, "libsibling.dylib")
	assert.ElementsMatch(t, []string{main}, g.Loaders(sibling))
}

func TestClassifySystem(t *testing.T) {
	assert.Equal(t, KindSystem, Classify("/usr/lib/libSystem.B.dylib", "/wheel"))
}

func TestExternalDepsSorted(t *testing.T) {
	root := t.TempDir()
	extDir := t.TempDir()

	a := machotest.Write(t, extDir, "liba.dylib", machotest.Spec{InstallID: "@rpath/liba.dylib"})
	b := machotest.Write(t, extDir, "libb.dylib", machotest.Spec{InstallID: "@rpath/libb.dylib"})
	machotest.Write(t, root, "libmain.dylib", machotest.Spec{
		InstallID: "@rpath/libmain.dylib",
		Deps:      []string{b, a},
	})

	g, err := Build(root, "")
	require.NoError(t, err)

	want := []string{a, b} // liba.dylib sorts before libb.dylib in the same dir
	if diff := cmp.Diff(want, g.ExternalDeps()); diff != "" {
		t.Errorf("ExternalDeps() mismatch (-want +got):\n%s", diff)
	}
}
