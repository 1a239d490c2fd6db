package types

// cdVersion is a CodeDirectory's compatibility version. Each value gates
// a block of trailing fields the verifier is allowed to read; delocate
// only ever writes the exec-segment block (0x20400), so it never needs
// the later team-id, runtime or linkage extensions.
type cdVersion uint32

const cdVersionExecSeg cdVersion = 0x20400

// hashType names the digest algorithm covering each code page.
type hashType uint8

const hashTypeSHA256 hashType = 2

// execSegFlag qualifies the executable segment recorded in a
// CodeDirectory. delocate only ever marks the main binary as such;
// dylibs and bundles leave this zero.
type execSegFlag uint64

const execSegMainBinary execSegFlag = 0x1

// cdFlag holds the code signing flags a caller supplied (CS_ADHOC and
// friends, defined where ReSign calls in). The signer treats it as an
// opaque bit pattern to place in the header, not a set of flags it
// branches on itself.
type cdFlag uint32

// CodeDirectoryType is the fixed-size CodeDirectory header, through the
// exec-segment fields introduced for hardened-runtime enforcement
// (version 0x20400). Apple's struct continues with team-id, runtime and
// linkage-hash extensions for later versions; delocate's ad-hoc
// CodeDirectory never claims to support those versions, so it never
// populates or writes them.
type CodeDirectoryType struct {
	Magic         magic
	Length        uint32
	Version       cdVersion
	Flags         cdFlag
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      hashType
	Platform      uint8
	PageSize      uint8
	Spare2        uint32

	ScatterOffset uint32
	TeamOffset    uint32

	Spare3      uint32
	CodeLimit64 uint64

	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags execSegFlag
}

func (c *CodeDirectoryType) put(out []byte) []byte {
	out = put32be(out, uint32(c.Magic))
	out = put32be(out, c.Length)
	out = put32be(out, uint32(c.Version))
	out = put32be(out, uint32(c.Flags))
	out = put32be(out, c.HashOffset)
	out = put32be(out, c.IdentOffset)
	out = put32be(out, c.NSpecialSlots)
	out = put32be(out, c.NCodeSlots)
	out = put32be(out, c.CodeLimit)
	out = put8(out, c.HashSize)
	out = put8(out, uint8(c.HashType))
	out = put8(out, c.Platform)
	out = put8(out, c.PageSize)
	out = put32be(out, c.Spare2)
	out = put32be(out, c.ScatterOffset)
	out = put32be(out, c.TeamOffset)
	out = put32be(out, c.Spare3)
	out = put64be(out, c.CodeLimit64)
	out = put64be(out, c.ExecSegBase)
	out = put64be(out, c.ExecSegLimit)
	out = put64be(out, uint64(c.ExecSegFlags))
	return out
}
