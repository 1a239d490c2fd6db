package macho

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsworld/delocate/types"
)

// buildSegment64 renders a minimal LC_SEGMENT_64 carrying one section, whose
// file offset is sectionOffset. This fixture helper exists only for tests;
// production code never synthesizes segments, only reads and relocates them.
func buildSegment64(bo binary.ByteOrder, name string, sectionOffset uint64) []byte {
	const fixedLen = 72
	const sectLen = 80
	raw := make([]byte, fixedLen+sectLen)
	bo.PutUint32(raw[0:4], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(raw[4:8], uint32(len(raw)))
	copy(raw[8:24], name)
	// vmaddr, vmsize, fileoff, filesize all left zero for this fixture.
	bo.PutUint32(raw[64:68], 1) // nsects

	sect := raw[fixedLen:]
	copy(sect[0:16], "__text")
	copy(sect[16:32], name)
	bo.PutUint32(sect[48:52], uint32(sectionOffset))
	return raw
}

// fixture is a minimal thin 64-bit Mach-O dylib: one __TEXT segment with one
// section, an install-id, one external dependency, and one rpath. Enough
// headerpad is left between the end of load commands and the section's file
// offset for the rewrite tests below to round-trip.
func fixture(t *testing.T, filetype types.HeaderFileType, cpu types.CPU, installID, dep, rpath string) []byte {
	t.Helper()
	bo := binary.LittleEndian

	const sectionOffset = 4096
	seg := buildSegment64(bo, "__TEXT", sectionOffset)
	idCmd := buildDylibCmd(bo, types.LC_ID_DYLIB, installID, nil)
	depCmd := buildDylibCmd(bo, types.LC_LOAD_DYLIB, dep, nil)
	rpathCmd := buildRpathCmd(bo, rpath)

	cmds := [][]byte{seg, idCmd, depCmd, rpathCmd}
	var sizeCmds int
	for _, c := range cmds {
		sizeCmds += len(c)
	}
	require.LessOrEqual(t, int64(32+sizeCmds), int64(sectionOffset), "fixture command area must fit before the section")

	out := make([]byte, sectionOffset+16) // 16 bytes of trailing "code"
	// The magic word is always read big-endian regardless of the byte order
	// it then selects for the rest of the header; see parseSlice.
	binary.BigEndian.PutUint32(out[0:4], uint32(types.Magic64))
	bo.PutUint32(out[4:8], uint32(cpu))
	bo.PutUint32(out[8:12], 0) // subtype
	bo.PutUint32(out[12:16], uint32(filetype))
	bo.PutUint32(out[16:20], uint32(len(cmds)))
	bo.PutUint32(out[20:24], uint32(sizeCmds))
	bo.PutUint32(out[24:28], 0) // flags
	bo.PutUint32(out[28:32], 0) // reserved

	off := 32
	for _, c := range cmds {
		copy(out[off:], c)
		off += len(c)
	}
	return out
}

func writeFixture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libfixture.dylib")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenParsesDylibsAndRpaths(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))

	f, err := Open(path)
	require.NoError(t, err)

	assert.False(t, f.Fat())
	assert.Equal(t, []string{ArchX8664}, f.Archs())
	assert.Equal(t, "@rpath/libfixture.dylib", f.InstallID())
	assert.Equal(t, []string{"/opt/homebrew/lib/libfoo.dylib"}, f.Dependencies())
	assert.Equal(t, []string{"@loader_path/../Frameworks"}, f.Rpaths())
}

func TestOpenRejectsNonMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-macho")
	require.NoError(t, os.WriteFile(path, []byte("just some text\n"), 0o644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrNotMachO)
}

func TestSetInstallID(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"/old/path/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))

	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.SetInstallID("@loader_path/libfixture.dylib"))
	require.NoError(t, f.Save())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "@loader_path/libfixture.dylib", reopened.InstallID())
	// Rewriting the install-id must not disturb the dependency list.
	assert.Equal(t, []string{"/opt/homebrew/lib/libfoo.dylib"}, reopened.Dependencies())
}

func TestChangeDependency(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))

	f, err := Open(path)
	require.NoError(t, err)

	n, err := f.ChangeDependency("/opt/homebrew/lib/libfoo.dylib", "@loader_path/.dylibs/libfoo.dylib")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, f.Save())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"@loader_path/.dylibs/libfoo.dylib"}, reopened.Dependencies())
}

func TestChangeDependencyNoMatchIsNoop(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))
	f, err := Open(path)
	require.NoError(t, err)

	n, err := f.ChangeDependency("/no/such/dep.dylib", "/irrelevant")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAddAndDeleteRpath(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))

	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.AddRpath("@loader_path/.dylibs"))
	require.NoError(t, f.Save())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@loader_path/../Frameworks", "@loader_path/.dylibs"}, reopened.Rpaths())

	n, err := reopened.DeleteRpath("@loader_path/../Frameworks")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, reopened.Save())

	final, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"@loader_path/.dylibs"}, final.Rpaths())
}

func TestAddRpathIsIdempotent(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))
	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.AddRpath("@loader_path/../Frameworks"))
	assert.Equal(t, []string{"@loader_path/../Frameworks"}, f.Rpaths())
}

func TestReSignFailsWithoutLinkedit(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))

	f, err := Open(path)
	require.NoError(t, err)
	require.Error(t, f.ReSign("delocate-test"), "a fixture with no __LINKEDIT segment must fail to sign, not panic")
}

func TestExpandArchSet(t *testing.T) {
	archs, err := ExpandArchSet("universal2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ArchX8664, ArchArm64}, archs)

	archs, err = ExpandArchSet("arm64,x86_64")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ArchArm64, ArchX8664}, archs)

	archs, err = ExpandArchSet("")
	require.NoError(t, err)
	assert.Nil(t, archs)
}

func TestHasArchs(t *testing.T) {
	path := writeFixture(t, fixture(t, types.MH_DYLIB, types.CPUAmd64,
		"@rpath/libfixture.dylib", "/opt/homebrew/lib/libfoo.dylib", "@loader_path/../Frameworks"))
	f, err := Open(path)
	require.NoError(t, err)

	assert.Empty(t, f.HasArchs([]string{ArchX8664}))
	assert.Equal(t, []string{ArchArm64}, f.HasArchs([]string{ArchX8664, ArchArm64}))
}
