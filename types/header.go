package types

// FileHeaderSize32/64 are the fixed-size portions of a Mach-O file header
// (magic, cpu, subtype, filetype, ncmds, sizeofcmds, flags, plus a
// 64-bit file's trailing reserved word), used to locate where the first
// load command begins.
const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

// Magic identifies a Mach-O file's word size and byte order, or marks it
// as a fat (universal) binary.
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

// A HeaderFileType is the Mach-O file type. delocate only ever needs to
// tell an executable apart from a shared library: ReSign's ad-hoc
// signature flags the main binary specially, and a sidecar copy is
// always a dylib.
type HeaderFileType uint32

const (
	MH_EXECUTE HeaderFileType = 0x2 // demand paged executable file
	MH_DYLIB   HeaderFileType = 0x6 // dynamically bound shared library
)
