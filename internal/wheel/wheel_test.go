package wheel

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWheel(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	var names []string
	for name := range files {
		names = append(names, name)
	}
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

const wheelMeta = "Wheel-Version: 1.0\r\nGenerator: delocate-test\r\nRoot-Is-Purelib: false\r\nTag: cp39-cp39-macosx_10_9_x86_64\r\n"

func fixtureWheel(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	buildWheel(t, path, map[string]string{
		"mypkg/__init__.py":          "# package\n",
		"mypkg/_native.so":           "fake-binary-content",
		"mypkg-1.0.dist-info/WHEEL":  wheelMeta,
		"mypkg-1.0.dist-info/RECORD": "",
		"mypkg-1.0.dist-info/top_level.txt": "mypkg\n",
	})
	return path
}

func TestOpenAndTopLevelPackageRoots(t *testing.T) {
	dir := t.TempDir()
	path := fixtureWheel(t, dir, "mypkg-1.0-cp39-cp39-macosx_10_9_x86_64.whl")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	roots, err := w.TopLevelPackageRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, filepath.Join(w.Dir, "mypkg"), roots[0])
}

func TestDistInfoDirRequiresExactlyOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.whl")
	buildWheel(t, path, map[string]string{"a-1.dist-info/WHEEL": "", "b-1.dist-info/WHEEL": ""})

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.DistInfoDir()
	assert.ErrorIs(t, err, ErrCorruptWheel)
}

func TestReadAndRewriteTags(t *testing.T) {
	dir := t.TempDir()
	path := fixtureWheel(t, dir, "mypkg-1.0-cp39-cp39-macosx_10_9_x86_64.whl")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	tags, err := w.ReadTags()
	require.NoError(t, err)
	assert.Equal(t, []string{"cp39-cp39-macosx_10_9_x86_64"}, tags)

	require.NoError(t, w.RewriteTags([]string{"cp39-cp39-macosx_11_0_universal2"}))
	tags, err = w.ReadTags()
	require.NoError(t, err)
	assert.Equal(t, []string{"cp39-cp39-macosx_11_0_universal2"}, tags)

	distInfo, err := w.DistInfoDir()
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(distInfo, "WHEEL"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Generator: delocate-test")
}

func TestRegenerateRecordHashesEveryFile(t *testing.T) {
	dir := t.TempDir()
	path := fixtureWheel(t, dir, "mypkg-1.0-cp39-cp39-macosx_10_9_x86_64.whl")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.RegenerateRecord())

	distInfo, err := w.DistInfoDir()
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(distInfo, "RECORD"))
	require.NoError(t, err)
	record := string(raw)

	assert.Contains(t, record, "mypkg/__init__.py,sha256=")
	assert.Contains(t, record, "mypkg-1.0.dist-info/RECORD,,\r\n")
	assert.NotContains(t, record, "mypkg-1.0.dist-info/RECORD,sha256=")
}

func TestRepackRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := fixtureWheel(t, dir, "mypkg-1.0-cp39-cp39-macosx_10_9_x86_64.whl")
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(w.Dir, "mypkg", "_native.so"), []byte("rewritten-content"), 0o644))
	require.NoError(t, w.RegenerateRecord())

	outPath := filepath.Join(dir, "mypkg-1.0-cp39-cp39-macosx_11_0_universal2.whl")
	require.NoError(t, w.Repack(outPath))

	r, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer r.Close()

	var gotNative bool
	for _, f := range r.File {
		if f.Name == "mypkg/_native.so" {
			gotNative = true
			rc, err := f.Open()
			require.NoError(t, err)
			content, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			assert.Equal(t, "rewritten-content", string(content))
		}
		assert.False(t, strings.Contains(f.Name, "\\"), "zip entry names must use forward slashes")
	}
	assert.True(t, gotNative)
}
