// Package machotest builds minimal synthetic Mach-O fixtures for tests
// elsewhere in the module. Mirroring ocibuild's pkg/testutil, it exists so
// every package that needs a Mach-O file on disk (depgraph, delocator,
// wheel, fuse, archcheck, listdeps) shares one builder instead of each
// reimplementing the load-command byte layout.
package machotest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Arch is one of the CPU/subtype pairs Build accepts.
type Arch int

const (
	ArchAmd64 Arch = iota
	ArchArm64
)

const (
	magic64     = 0xfeedfacf
	cpuAmd64    = 0x01000007 // CPU386 | cpuArch64
	cpuArm64    = 0x0100000c // CPUArm | cpuArch64
	lcSegment64 = 0x19
	lcIDDylib   = 0xd
	lcLoadDylib = 0xc
	lcRpath     = 0x8000001c // LC_RPATH | LC_REQ_DYLD
	mhDylib     = 0x6
	mhExecute   = 0x2
)

// Spec describes one thin Mach-O slice to synthesize.
type Spec struct {
	Arch       Arch
	Executable bool // filetype MH_EXECUTE instead of MH_DYLIB
	InstallID  string
	Deps       []string
	Rpaths     []string
}

func cpuFor(a Arch) uint32 {
	if a == ArchArm64 {
		return cpuArm64
	}
	return cpuAmd64
}

func align8(n int) int { return (n + 7) &^ 7 }

func buildDylibCmd(cmd uint32, name string) []byte {
	nameBytes := append([]byte(name), 0)
	size := align8(24 + len(nameBytes))
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], cmd)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(size))
	binary.LittleEndian.PutUint32(raw[8:12], 24)
	copy(raw[24:], nameBytes)
	return raw
}

func buildRpathCmd(path string) []byte {
	pathBytes := append([]byte(path), 0)
	size := align8(12 + len(pathBytes))
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], lcRpath)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(size))
	binary.LittleEndian.PutUint32(raw[8:12], 12)
	copy(raw[12:], pathBytes)
	return raw
}

// sectionOffset is where __TEXT's one section starts: generous headerpad
// slack so every rewrite this module does (install-id, dependency, rpath,
// re-sign) fits without hitting ErrNoHeaderpad.
const sectionOffset = 4096

// linkeditOffset/linkeditSize bound a fake __LINKEDIT region at the tail of
// the fixture, present only so ReSign has a segment to resize.
const linkeditOffset = sectionOffset + 256
const linkeditSize = 256

func buildSegment64(name string, nsect int, sectionFileOffset uint64, fileOff, fileSize uint64) []byte {
	const fixedLen = 72
	const sectLen = 80
	raw := make([]byte, fixedLen+nsect*sectLen)
	binary.LittleEndian.PutUint32(raw[0:4], lcSegment64)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(len(raw)))
	copy(raw[8:24], name)
	binary.LittleEndian.PutUint64(raw[40:48], fileOff)
	binary.LittleEndian.PutUint64(raw[48:56], fileSize)
	binary.LittleEndian.PutUint32(raw[64:68], uint32(nsect))
	if nsect > 0 {
		sect := raw[fixedLen:]
		copy(sect[0:16], "__text")
		copy(sect[16:32], name)
		binary.LittleEndian.PutUint32(sect[48:52], uint32(sectionFileOffset))
	}
	return raw
}

// Build renders spec into a thin 64-bit Mach-O byte image: a __TEXT segment
// (one section, anchoring the headerpad at sectionOffset) and a fake
// __LINKEDIT segment, enough for ReSign to succeed, plus the install-id/
// dependency/rpath commands spec asks for.
func Build(spec Spec) []byte {
	var cmds [][]byte
	cmds = append(cmds, buildSegment64("__TEXT", 1, sectionOffset, 0, sectionOffset))
	cmds = append(cmds, buildSegment64("__LINKEDIT", 0, 0, linkeditOffset, linkeditSize))
	if spec.InstallID != "" {
		cmds = append(cmds, buildDylibCmd(lcIDDylib, spec.InstallID))
	}
	for _, d := range spec.Deps {
		cmds = append(cmds, buildDylibCmd(lcLoadDylib, d))
	}
	for _, r := range spec.Rpaths {
		cmds = append(cmds, buildRpathCmd(r))
	}

	var sizeCmds int
	for _, c := range cmds {
		sizeCmds += len(c)
	}

	const headerSize = 32
	totalLen := linkeditOffset + linkeditSize
	out := make([]byte, totalLen)
	binary.BigEndian.PutUint32(out[0:4], magic64)
	binary.LittleEndian.PutUint32(out[4:8], cpuFor(spec.Arch))
	binary.LittleEndian.PutUint32(out[8:12], 0) // subtype
	filetype := uint32(mhDylib)
	if spec.Executable {
		filetype = mhExecute
	}
	binary.LittleEndian.PutUint32(out[12:16], filetype)
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(cmds)))
	binary.LittleEndian.PutUint32(out[20:24], uint32(sizeCmds))
	binary.LittleEndian.PutUint32(out[24:28], 0) // flags
	binary.LittleEndian.PutUint32(out[28:32], 0) // reserved

	off := headerSize
	for _, c := range cmds {
		copy(out[off:], c)
		off += len(c)
	}
	return out
}

// Write renders spec and writes it to dir/name, returning the full path.
func Write(t *testing.T, dir, name string, spec Spec) string {
	t.Helper()
	return WriteRaw(t, dir, name, Build(spec))
}

// WriteRaw writes arbitrary bytes to dir/name, returning the full path. Used
// by callers that need a non-Mach-O file alongside fixtures built with Write,
// e.g. to exercise code paths that must skip unrecognized files.
func WriteRaw(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}
