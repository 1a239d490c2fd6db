package macho

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/appsworld/delocate/types"
)

// dylibCmds is the set of load commands whose payload is a DylibCmd: a
// cmdsize-prefixed record with a nul-terminated path string appended after
// it. LC_ID_DYLIB is the file's own install-id; the rest are dependency
// edges.
var dylibCmds = map[types.LoadCmd]bool{
	types.LC_LOAD_DYLIB:      true,
	types.LC_ID_DYLIB:        true,
	types.LC_LOAD_WEAK_DYLIB: true,
	types.LC_REEXPORT_DYLIB:  true,
	types.LC_LAZY_LOAD_DYLIB: true,
}

// Dylib is a parsed LC_ID_DYLIB/LC_LOAD_DYLIB-family command: either the
// file's own install-id (IsID true) or one dependency edge.
type Dylib struct {
	Cmd  types.LoadCmd
	Name string
	IsID bool

	cmdIndex int // index into Slice.commands
}

// Rpath is a parsed LC_RPATH command.
type Rpath struct {
	Path string

	cmdIndex int
}

// segment is the subset of LC_SEGMENT_64 that delocate needs: locating
// __LINKEDIT (where a code signature lives) and measuring the headerpad
// available for growing the load-command area.
type segment struct {
	Name       string
	FileOffset uint64
	FileSize   uint64
	cmdIndex   int
}

// rawCommand is one load command as it exists on disk: its command type,
// its byte offset within the slice (relative to the start of the mach
// header), and its raw bytes (length cmdsize).
type rawCommand struct {
	Cmd    types.LoadCmd
	Offset int64
	Raw    []byte
}

// Slice is one architecture's Mach-O image: either the whole of a thin
// file, or one member of a fat (universal) file.
type Slice struct {
	Arch      string
	CPU       types.CPU
	SubCPU    types.CPUSubtype
	FileType  types.HeaderFileType
	Is64      bool
	ByteOrder binary.ByteOrder

	// base is the file offset at which this slice begins; 0 for a thin
	// file, the fat_arch offset otherwise.
	base int64
	// data is the full byte range of this slice (mach header through EOF
	// of the slice), sliced out of File.data. Edits to load commands
	// mutate this in place.
	data []byte

	headerSize int64
	ncmds      uint32
	sizeCmds   uint32

	commands []*rawCommand
	dylibs   []*Dylib
	rpaths   []*Rpath
	segments []*segment
	codesign *rawCommand // LC_CODE_SIGNATURE, if present

	// firstSectionOffset is the lowest section file offset found across all
	// segments: the boundary past which real section content begins. The
	// gap between the end of the load commands and this boundary is the
	// headerpad available for in-place rewrites; it must never move, since
	// section file offsets are absolute and not re-derived on write.
	firstSectionOffset uint64
	dirty              bool
}

func (s *Slice) noteSectionOffset(off uint64) {
	if off == 0 {
		return
	}
	if s.firstSectionOffset == 0 || off < s.firstSectionOffset {
		s.firstSectionOffset = off
	}
}

// File is an open Mach-O (thin or fat/universal) file positioned on disk.
// All reads are served from an in-memory copy; writes are flushed back to
// path by Save.
type File struct {
	Path  string
	data  []byte
	mode  os.FileMode
	fat   bool
	slices []*Slice
}

// Open reads path and parses it as a Mach-O or fat file. If path does not
// begin with a recognized Mach-O magic number, Open returns ErrNotMachO;
// callers walking a directory tree should treat that as "skip", not as a
// failure.
func Open(path string) (*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, ErrNotMachO
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, ErrNotMachO
	}

	f := &File{Path: path, data: data, mode: fi.Mode()}

	magic := binary.BigEndian.Uint32(data[0:4])
	switch types.Magic(magic) {
	case types.MagicFat, fatMagic64:
		if err := f.parseFat(); err != nil {
			return nil, err
		}
	case types.Magic32, magic32Cigam, types.Magic64, magic64Cigam:
		s, err := parseSlice(data, 0, int64(len(data)))
		if err != nil {
			return nil, err
		}
		f.slices = []*Slice{s}
	default:
		return nil, ErrNotMachO
	}
	return f, nil
}

const (
	fatMagic64  = types.Magic(0xcafebabf)
	fatCigam64  = types.Magic(0xbfbafeca)
	magic32Cigam = types.Magic(0xcefaedfe)
	magic64Cigam = types.Magic(0xcffaedfe)
)

func (f *File) parseFat() error {
	f.fat = true
	data := f.data
	nArch := binary.BigEndian.Uint32(data[4:8])
	is64 := types.Magic(binary.BigEndian.Uint32(data[0:4])) == fatMagic64

	entrySize := 20
	hdrSize := 8
	if is64 {
		entrySize = 32
	}
	for i := uint32(0); i < nArch; i++ {
		off := hdrSize + int(i)*entrySize
		if off+entrySize > len(data) {
			return fmt.Errorf("macho: %s: truncated fat header", f.Path)
		}
		var cpuType, cpuSub uint32
		var fileOff, fileSize uint64
		cpuType = binary.BigEndian.Uint32(data[off : off+4])
		cpuSub = binary.BigEndian.Uint32(data[off+4 : off+8])
		if is64 {
			fileOff = binary.BigEndian.Uint64(data[off+8 : off+16])
			fileSize = binary.BigEndian.Uint64(data[off+16 : off+24])
		} else {
			fileOff = uint64(binary.BigEndian.Uint32(data[off+8 : off+12]))
			fileSize = uint64(binary.BigEndian.Uint32(data[off+12 : off+16]))
		}
		_ = cpuType
		_ = cpuSub
		if fileOff+fileSize > uint64(len(data)) {
			return fmt.Errorf("macho: %s: fat arch %d out of range", f.Path, i)
		}
		s, err := parseSlice(data, int64(fileOff), int64(fileOff+fileSize))
		if err != nil {
			return fmt.Errorf("macho: %s: fat arch %d: %w", f.Path, i, err)
		}
		f.slices = append(f.slices, s)
	}
	return nil
}

func parseSlice(data []byte, base, end int64) (*Slice, error) {
	region := data[base:end]
	if len(region) < 4 {
		return nil, ErrNotMachO
	}
	magic := binary.BigEndian.Uint32(region[0:4])

	var bo binary.ByteOrder = binary.LittleEndian
	var is64 bool
	switch types.Magic(magic) {
	case types.Magic64:
		is64, bo = true, binary.LittleEndian
	case magic64Cigam:
		is64, bo = true, binary.BigEndian
	case types.Magic32:
		is64, bo = false, binary.LittleEndian
	case magic32Cigam:
		is64, bo = false, binary.BigEndian
	default:
		return nil, ErrNotMachO
	}

	hdrSize := int64(types.FileHeaderSize32)
	if is64 {
		hdrSize = types.FileHeaderSize64
	}
	if int64(len(region)) < hdrSize {
		return nil, fmt.Errorf("macho: truncated header")
	}

	cpu := types.CPU(bo.Uint32(region[4:8]))
	sub := types.CPUSubtype(bo.Uint32(region[8:12]))
	filetype := types.HeaderFileType(bo.Uint32(region[12:16]))
	ncmds := bo.Uint32(region[16:20])
	sizeCmds := bo.Uint32(region[20:24])

	s := &Slice{
		Arch:       archName(cpu, sub),
		CPU:        cpu,
		SubCPU:     sub,
		FileType:   filetype,
		Is64:       is64,
		ByteOrder:  bo,
		base:       base,
		data:       region,
		headerSize: hdrSize,
		ncmds:      ncmds,
		sizeCmds:   sizeCmds,
	}
	if err := s.parseLoadCommands(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Slice) parseLoadCommands() error {
	off := s.headerSize
	for i := uint32(0); i < s.ncmds; i++ {
		if off+8 > int64(len(s.data)) {
			return fmt.Errorf("macho: load command %d out of range", i)
		}
		cmd := types.LoadCmd(s.ByteOrder.Uint32(s.data[off : off+4]))
		size := s.ByteOrder.Uint32(s.data[off+4 : off+8])
		if size < 8 || off+int64(size) > int64(len(s.data)) {
			return fmt.Errorf("macho: load command %d has invalid size %d", i, size)
		}
		rc := &rawCommand{Cmd: cmd, Offset: off, Raw: s.data[off : off+int64(size)]}
		s.commands = append(s.commands, rc)

		switch {
		case dylibCmds[cmd]:
			nameOff := s.ByteOrder.Uint32(rc.Raw[8:12])
			name := cString(rc.Raw, int(nameOff))
			s.dylibs = append(s.dylibs, &Dylib{
				Cmd:      cmd,
				Name:     name,
				IsID:     cmd == types.LC_ID_DYLIB,
				cmdIndex: len(s.commands) - 1,
			})
		case cmd == types.LC_RPATH:
			pathOff := s.ByteOrder.Uint32(rc.Raw[8:12])
			s.rpaths = append(s.rpaths, &Rpath{Path: cString(rc.Raw, int(pathOff)), cmdIndex: len(s.commands) - 1})
		case cmd == types.LC_SEGMENT_64:
			// Segment64 fixed header is 72 bytes: cmd(4) cmdsize(4) name(16)
			// addr(8) memsz(8) offset(8) filesize(8) maxprot(4) initprot(4)
			// nsect(4) flags(4). Section64 entries (80 bytes each) follow
			// inline, counted by nsect; cmdsize already covers them.
			name := cStringFixed(rc.Raw[8:24])
			fileOff := s.ByteOrder.Uint64(rc.Raw[40:48])
			fileSize := s.ByteOrder.Uint64(rc.Raw[48:56])
			nsect := s.ByteOrder.Uint32(rc.Raw[64:68])
			s.segments = append(s.segments, &segment{Name: name, FileOffset: fileOff, FileSize: fileSize, cmdIndex: len(s.commands) - 1})
			if nsect > 0 && len(rc.Raw) >= 72+80 {
				sectOff := uint64(s.ByteOrder.Uint32(rc.Raw[120:124]))
				s.noteSectionOffset(sectOff)
			}
		case cmd == types.LC_SEGMENT:
			// Segment32 fixed header is 56 bytes; Section32 entries (68
			// bytes each) follow inline, counted by nsect.
			name := cStringFixed(rc.Raw[8:24])
			fileOff := uint64(s.ByteOrder.Uint32(rc.Raw[32:36]))
			fileSize := uint64(s.ByteOrder.Uint32(rc.Raw[36:40]))
			nsect := s.ByteOrder.Uint32(rc.Raw[48:52])
			s.segments = append(s.segments, &segment{Name: name, FileOffset: fileOff, FileSize: fileSize, cmdIndex: len(s.commands) - 1})
			if nsect > 0 && len(rc.Raw) >= 56+68 {
				sectOff := uint64(s.ByteOrder.Uint32(rc.Raw[96:100]))
				s.noteSectionOffset(sectOff)
			}
		case cmd == types.LC_CODE_SIGNATURE:
			s.codesign = rc
		}
		off += int64(size)
	}
	return nil
}

func cString(b []byte, off int) string {
	if off < 0 || off >= len(b) {
		return ""
	}
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func cStringFixed(b []byte) string {
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[:end])
}

// Archs returns the set of architectures present in the file, one per
// slice, in fat-header order (or a single entry for a thin file).
func (f *File) Archs() []string {
	out := make([]string, 0, len(f.slices))
	for _, s := range f.slices {
		out = append(out, s.Arch)
	}
	return out
}

// Fat reports whether the file is a fat (universal) Mach-O.
func (f *File) Fat() bool { return f.fat }

// Slices exposes the per-architecture views, for callers that must reason
// about each slice individually.
func (f *File) Slices() []*Slice { return f.slices }

// InstallID returns the file's own LC_ID_DYLIB name, or "" if the file has
// none (executables and bundles never do; only shared libraries do). All
// slices of a fat file are assumed to agree; delocate never produces ones
// that don't, since make_universal is only ever applied to libraries
// delocate itself already normalized.
func (f *File) InstallID() string {
	for _, d := range f.slices[0].dylibs {
		if d.IsID {
			return d.Name
		}
	}
	return ""
}

// Dependencies returns the ordered, raw dependency strings recorded in
// LC_LOAD_DYLIB/LC_LOAD_WEAK_DYLIB/LC_REEXPORT_DYLIB/LC_LAZY_LOAD_DYLIB,
// exactly as they appear in the first slice's load commands.
func (f *File) Dependencies() []string {
	var out []string
	for _, d := range f.slices[0].dylibs {
		if !d.IsID {
			out = append(out, d.Name)
		}
	}
	return out
}

// Rpaths returns the ordered LC_RPATH entries of the first slice.
func (f *File) Rpaths() []string {
	var out []string
	for _, r := range f.slices[0].rpaths {
		out = append(out, r.Path)
	}
	return out
}

// HasArchs returns, sorted, the entries of required that are absent from
// the file's architecture set; an empty result means every one is present.
func (f *File) HasArchs(required []string) (missing []string) {
	have := make(map[string]bool)
	for _, a := range f.Archs() {
		have[a] = true
	}
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	sort.Strings(missing)
	return missing
}
