package macho

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/appsworld/delocate/types"
)

// pageAlign returns the page size lipo uses to align a fat member for cpu:
// 16384 for arm64 (its minimum page size on Apple Silicon), 4096 for
// everything else.
func pageAlign(cpu types.CPU) int64 {
	if cpu == types.CPUArm64 {
		return 16384
	}
	return 4096
}

// MakeUniversal assembles a fat (universal) Mach-O at outPath from one or
// more already-signed thin inputs, the way `lipo -create` does: a
// fat_header followed by one fat_arch entry per input (cpu type/subtype,
// page-aligned file offset, size, align), followed by each input's bytes
// at its aligned offset.
//
// Inputs must each be thin (single-slice); MakeUniversal does not flatten an
// already-fat file. Callers merging two single-arch wheels call this once
// per colliding Mach-O path, after independently delocating and signing
// each side.
func MakeUniversal(outPath string, inputs ...*File) error {
	if len(inputs) == 0 {
		return fmt.Errorf("macho: MakeUniversal: no inputs")
	}
	for _, in := range inputs {
		if in.fat {
			return fmt.Errorf("macho: MakeUniversal: %s is already a fat file", in.Path)
		}
	}

	type member struct {
		cpu    types.CPU
		sub    types.CPUSubtype
		data   []byte
		offset int64
	}
	members := make([]member, len(inputs))
	for i, in := range inputs {
		s := in.slices[0]
		members[i] = member{cpu: s.CPU, sub: s.SubCPU, data: s.data}
	}
	// lipo emits fat_arch entries ordered by cpu type, smallest first; match
	// that so a byte-for-byte diff against a real lipo build only differs
	// in signature content.
	sort.Slice(members, func(i, j int) bool { return members[i].cpu < members[j].cpu })

	const fatHeaderSize = 8
	const fatArchSize = 20
	headerLen := int64(fatHeaderSize + fatArchSize*len(members))

	offset := headerLen
	for i := range members {
		align := pageAlign(members[i].cpu)
		offset = (offset + align - 1) &^ (align - 1)
		members[i].offset = offset
		offset += int64(len(members[i].data))
	}
	total := offset

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(types.MagicFat))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(members)))
	for i, m := range members {
		entryOff := fatHeaderSize + i*fatArchSize
		binary.BigEndian.PutUint32(out[entryOff:entryOff+4], uint32(m.cpu))
		binary.BigEndian.PutUint32(out[entryOff+4:entryOff+8], uint32(m.sub))
		binary.BigEndian.PutUint32(out[entryOff+8:entryOff+12], uint32(m.offset))
		binary.BigEndian.PutUint32(out[entryOff+12:entryOff+16], uint32(len(m.data)))
		align := pageAlign(m.cpu)
		align2 := uint32(0)
		for 1<<align2 < align {
			align2++
		}
		binary.BigEndian.PutUint32(out[entryOff+16:entryOff+20], align2)
		copy(out[m.offset:], m.data)
	}

	return os.WriteFile(outPath, out, 0o755)
}
