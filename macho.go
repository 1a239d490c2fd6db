// Package macho reads and edits macOS Mach-O dynamic libraries, bundles and
// executables: the install-id, the dependent-library list and the runpath
// list of a thin or fat (universal) binary, plus the in-place rewrites that
// delocate needs to relink a tree of Mach-O files against a sidecar
// directory.
//
// It intentionally speaks only the subset of the format delocate cares
// about. It does not parse symbol tables, DWARF, Swift metadata or
// Objective-C runtime structures.
package macho

import (
	"fmt"

	"github.com/appsworld/delocate/types"
)

// ErrNotMachO is returned by Open when the file's magic number does not
// identify it as a Mach-O or fat binary. Callers that walk an arbitrary
// directory tree should treat it as "skip this file", not as a failure.
var ErrNotMachO = fmt.Errorf("not a Mach-O file")

// Arch names as surfaced in diagnostics and --require-archs matching. These
// mirror `lipo -archs` / `otool -hv` spelling.
const (
	ArchI386    = "i386"
	ArchX8664   = "x86_64"
	ArchX8664H  = "x86_64h"
	ArchArm64   = "arm64"
	ArchArm64e  = "arm64e"
	ArchArm64_32 = "arm64_32"
)

// archName converts a (cpu, subtype) pair as stored in a thin header or fat
// arch entry into the canonical arch token used throughout delocate.
func archName(cpu types.CPU, sub types.CPUSubtype) string {
	switch cpu {
	case types.CPU386:
		return ArchI386
	case types.CPUAmd64:
		if (sub & types.CpuSubtypeMask) == types.CPUSubtypeX86_64H {
			return ArchX8664H
		}
		return ArchX8664
	case types.CPUArm64:
		switch types.CPUSubtype(uint32(sub) &^ uint32(types.CpuSubtypeArm64PtrAuthMask)) {
		case types.CPUSubtypeArm64E:
			return ArchArm64e
		default:
			return ArchArm64
		}
	case types.CPUArm6432:
		return ArchArm64_32
	default:
		return fmt.Sprintf("cpu-%#x/%#x", uint32(cpu), uint32(sub))
	}
}

// archAliases expands a human-friendly --require-archs token (e.g. "intel",
// "universal2") into the set of arch tokens it requires.
var archAliases = map[string][]string{
	"intel":      {ArchI386, ArchX8664},
	"universal2": {ArchX8664, ArchArm64},
	"arm64":      {ArchArm64},
	"x86_64":     {ArchX8664},
	"i386":       {ArchI386},
}

// ExpandArchSet resolves a comma-separated --require-archs value (which may
// mix raw arch names and aliases) into a deduplicated set of arch tokens.
func ExpandArchSet(spec string) ([]string, error) {
	if spec == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, tok := range splitComma(spec) {
		if archs, ok := archAliases[tok]; ok {
			for _, a := range archs {
				add(a)
			}
			continue
		}
		add(tok)
	}
	return out, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
