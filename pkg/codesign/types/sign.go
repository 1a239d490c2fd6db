package types

import (
	"crypto/sha256"
	"io"
)

const (
	pageSizeBits      = 12
	pageSize          = 1 << pageSizeBits
	blobSize          = 2 * 4
	superBlobSize     = 3 * 4
	codeDirectorySize = 13*4 + 4 + 4*8
)

// Size reports how many bytes Sign will write for codeSize bytes of
// signed content: a SuperBlob header and its one index entry, the CodeDirectory fixed
// header, id plus a NUL, and one SHA-256 hash per 4KiB page.
func Size(codeSize int64, id string) int64 {
	nhashes := (codeSize + pageSize - 1) / pageSize
	idOff := int64(codeDirectorySize)
	hashOff := idOff + int64(len(id)+1)
	cdirSz := hashOff + nhashes*sha256.Size
	return int64(superBlobSize+blobSize) + cdirSz
}

// Sign writes an ad-hoc code signature for codeSize bytes read from
// data into out, which must be at least Size(codeSize, id) bytes long.
// textOff/textSize locate the __TEXT segment, recorded as the signed
// executable segment; isMain marks it as the binary dyld will run
// rather than a dylib it loads. flags is placed directly into the
// CodeDirectory's Flags field (the caller passes CS_ADHOC).
func Sign(out []byte, data io.Reader, id string, codeSize, textOff, textSize int64, isMain bool, flags uint32) {
	nhashes := (codeSize + pageSize - 1) / pageSize
	idOff := int64(codeDirectorySize)
	hashOff := idOff + int64(len(id)+1)
	sz := Size(codeSize, id)

	sb := SuperBlob{
		Magic:  magicEmbeddedSignature,
		Length: uint32(sz),
		Count:  1,
	}
	blob := Blob{
		Magic:  magic(slotCodeDirectory),
		Length: superBlobSize + blobSize,
	}
	cdir := CodeDirectoryType{
		Magic:        magicCodeDirectory,
		Length:       uint32(sz) - (superBlobSize + blobSize),
		Version:      cdVersionExecSeg,
		Flags:        cdFlag(flags),
		HashOffset:   uint32(hashOff),
		IdentOffset:  uint32(idOff),
		NCodeSlots:   uint32(nhashes),
		CodeLimit:    uint32(codeSize),
		HashSize:     sha256.Size,
		HashType:     hashTypeSHA256,
		PageSize:     uint8(pageSizeBits),
		ExecSegBase:  uint64(textOff),
		ExecSegLimit: uint64(textSize),
	}
	if isMain {
		cdir.ExecSegFlags = execSegMainBinary
	}

	outp := out
	outp = sb.put(outp)
	outp = blob.put(outp)
	outp = cdir.put(outp)

	outp = puts(outp, []byte(id+"\000"))

	var buf [pageSize]byte
	h := sha256.New()
	p := 0
	for p < int(codeSize) {
		n, err := io.ReadFull(data, buf[:])
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			panic(err)
		}
		if p+n > int(codeSize) {
			n = int(codeSize) - p
		}
		p += n
		h.Reset()
		h.Write(buf[:n])
		b := h.Sum(nil)
		outp = puts(outp, b[:])
	}
}
