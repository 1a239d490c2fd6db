package types

// A LoadCmd identifies a Mach-O load command. The full Mach-O header
// defines several dozen of these; delocate only ever needs to recognize
// the handful whose payload it reads or rewrites (dylib references,
// rpaths, segments it must not disturb, and the trailing code-signature
// blob it replaces after editing).
type LoadCmd uint32

// LC_REQ_DYLD marks a load command the dynamic linker must understand to
// load the file at all; several command numbers below are ORed with it.
const LC_REQ_DYLD LoadCmd = 0x80000000

const (
	LC_SEGMENT        LoadCmd = 0x1 // 32-bit segment of this file to be mapped
	LC_LOAD_DYLIB     LoadCmd = 0xc // load dylib command
	LC_ID_DYLIB       LoadCmd = 0xd // id dylib command

	LC_LOAD_WEAK_DYLIB LoadCmd = 0x18 | LC_REQ_DYLD
	LC_SEGMENT_64      LoadCmd = 0x19 // 64-bit segment of this file to be mapped
	LC_RPATH           LoadCmd = 0x1c | LC_REQ_DYLD
	LC_CODE_SIGNATURE  LoadCmd = 0x1d
	LC_REEXPORT_DYLIB  LoadCmd = 0x1f | LC_REQ_DYLD // load and re-export dylib
	LC_LAZY_LOAD_DYLIB LoadCmd = 0x20                // delay load of dylib until first use
)
