package macho

import (
	"bytes"
	"fmt"

	cstypes "github.com/appsworld/delocate/pkg/codesign/types"
	"github.com/appsworld/delocate/types"
)

// adHocFlag is CS_ADHOC: the code directory carries no cryptographic
// signature, only content hashes. It's what codesign --sign - and
// install_name_tool's own re-signing step produce, and it's all dyld
// requires on Apple Silicon for a library to load.
const adHocFlag = 0x2

func (s *Slice) segmentByName(name string) *segment {
	for _, seg := range s.segments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

// codesignOffset reads the LC_CODE_SIGNATURE payload offset out of its raw
// LinkEditDataCmd bytes: cmd(4) cmdsize(4) offset(4) size(4).
func (s *Slice) codesignOffset() int64 {
	return int64(s.ByteOrder.Uint32(s.codesign.Raw[8:12]))
}

// ReSign applies a fresh ad-hoc code signature to f, replacing whatever
// signature (if any) it carried before. delocate calls this after any
// rewrite to a previously-signed file: dyld on Apple Silicon refuses to map
// a dylib whose load commands no longer match its signature, so every
// install-id, dependency or rpath rewrite invalidates the old one.
//
// Only thin, 64-bit slices are supported. Fat inputs should have each
// architecture signed while still thin, before MakeUniversal assembles them:
// a signature's hash ranges are offsets into its own slice, so combining
// already-signed thin members into a fat file does not disturb them.
func (f *File) ReSign(identifier string) error {
	if f.fat {
		return fmt.Errorf("macho: %s: re-sign each architecture before lipo, not the fat file", f.Path)
	}
	s := f.slices[0]
	if !s.Is64 {
		return fmt.Errorf("macho: %s: ad-hoc signing of 32-bit Mach-O is not supported", f.Path)
	}

	text := s.segmentByName("__TEXT")
	if text == nil {
		return fmt.Errorf("macho: %s: no __TEXT segment", f.Path)
	}
	linkedit := s.segmentByName("__LINKEDIT")
	if linkedit == nil {
		return fmt.Errorf("macho: %s: no __LINKEDIT segment", f.Path)
	}

	codeSize := int64(len(s.data))
	if s.codesign != nil {
		codeSize = s.codesignOffset()
	}
	if codeSize > int64(len(s.data)) {
		return fmt.Errorf("macho: %s: existing signature offset out of range", f.Path)
	}
	body := s.data[:codeSize]

	blobLen := cstypes.Size(codeSize, identifier)
	newFilesz := uint64(codeSize+blobLen) - linkedit.FileOffset
	newMemsz := (newFilesz + 16383) &^ 16383

	var kept []*rawCommand
	for i, c := range s.commands {
		if c.Cmd == types.LC_CODE_SIGNATURE {
			continue
		}
		if i == linkedit.cmdIndex {
			raw := append([]byte(nil), c.Raw...)
			s.ByteOrder.PutUint64(raw[32:40], newMemsz)
			s.ByteOrder.PutUint64(raw[48:56], newFilesz)
			kept = append(kept, &rawCommand{Cmd: c.Cmd, Raw: raw})
			continue
		}
		kept = append(kept, c)
	}

	sigRaw := make([]byte, 16)
	s.ByteOrder.PutUint32(sigRaw[0:4], uint32(types.LC_CODE_SIGNATURE))
	s.ByteOrder.PutUint32(sigRaw[4:8], 16)
	s.ByteOrder.PutUint32(sigRaw[8:12], uint32(codeSize))
	s.ByteOrder.PutUint32(sigRaw[12:16], uint32(blobLen))
	kept = append(kept, &rawCommand{Cmd: types.LC_CODE_SIGNATURE, Raw: sigRaw})

	s.commands = kept
	out, err := s.layout(body)
	if err != nil {
		return fmt.Errorf("macho: %s: re-sign: %w", f.Path, err)
	}

	blob := make([]byte, blobLen)
	isMain := s.FileType == types.MH_EXECUTE
	cstypes.Sign(blob, bytes.NewReader(out), identifier, codeSize, int64(text.FileOffset), int64(text.FileSize), isMain, adHocFlag)

	final := make([]byte, int64(len(out))+blobLen)
	copy(final, out)
	copy(final[len(out):], blob)

	s.data = final
	s.ncmds = uint32(len(s.commands))
	var sizeCmds int
	for _, c := range s.commands {
		sizeCmds += len(c.Raw)
	}
	s.sizeCmds = uint32(sizeCmds)
	s.dirty = true
	s.reindex()
	return nil
}
