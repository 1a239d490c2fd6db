// Package types builds the ad-hoc code signature delocate's ReSign
// operation writes after rewriting a dylib's load commands: a SuperBlob
// containing exactly one embedded CodeDirectory, no requirements,
// entitlements or CMS signature. It has no need to parse an existing
// signature's full wire format, only to emit this one shape, so it
// carries none of the slot types, magic numbers or CodeDirectory
// versions a general-purpose reader would.
package types

import "encoding/binary"

// magic identifies a blob's type on the wire.
type magic uint32

const (
	magicEmbeddedSignature magic = 0xfade0cc0 // SuperBlob wrapping the signature
	magicCodeDirectory     magic = 0xfade0c02 // CodeDirectory blob
)

// slotType names a blob's role inside a SuperBlob's index. Ad-hoc
// signing only ever produces one slot.
type slotType uint32

const slotCodeDirectory slotType = 0

// SuperBlob is the signature's outer wrapper: a header naming how many
// blobs follow, immediately followed by their index and then the blobs
// themselves. delocate always writes exactly one.
type SuperBlob struct {
	Magic  magic
	Length uint32
	Count  uint32
}

func (s *SuperBlob) put(out []byte) []byte {
	out = put32be(out, uint32(s.Magic))
	out = put32be(out, s.Length)
	out = put32be(out, s.Count)
	return out
}

// Blob is one entry of a SuperBlob's index: Sign stores the slot type in
// Magic and, in Length, the byte offset from the start of the SuperBlob of
// the blob that slot names (here, always the CodeDirectoryType).
type Blob struct {
	Magic  magic
	Length uint32
}

func (b *Blob) put(out []byte) []byte {
	out = put32be(out, uint32(b.Magic))
	out = put32be(out, b.Length)
	return out
}

func put32be(b []byte, x uint32) []byte { binary.BigEndian.PutUint32(b, x); return b[4:] }
func put64be(b []byte, x uint64) []byte { binary.BigEndian.PutUint64(b, x); return b[8:] }
func put8(b []byte, x uint8) []byte     { b[0] = x; return b[1:] }
func puts(b, s []byte) []byte           { n := copy(b, s); return b[n:] }
