package macho

import (
	"fmt"
	"os"

	"github.com/appsworld/delocate/types"
)

// ErrNoHeaderpad is returned when a rewrite needs more load-command space
// than the file has slack for. Real install_name_tool hits the same wall and
// tells the caller to relink with -headerpad_max_install_names; delocate has
// no relinker available, so it surfaces the same failure instead of
// attempting something riskier.
var ErrNoHeaderpad = fmt.Errorf("macho: not enough headerpad to rewrite load commands")

// align8 rounds n up to the next multiple of 8, matching the load-command
// alignment the modern linker emits.
func align8(n int) int {
	return (n + 7) &^ 7
}

// buildDylibCmd renders a DylibCmd (or LC_ID_DYLIB) load command carrying
// name, preserving the timestamp/version fields of old if given.
func buildDylibCmd(bo byteOrderLike, cmd types.LoadCmd, name string, old []byte) []byte {
	nameBytes := append([]byte(name), 0)
	size := align8(24 + len(nameBytes))
	raw := make([]byte, size)
	bo.PutUint32(raw[0:4], uint32(cmd))
	bo.PutUint32(raw[4:8], uint32(size))
	bo.PutUint32(raw[8:12], 24)
	if len(old) >= 24 {
		copy(raw[12:24], old[12:24]) // time, current_version, compat_version
	}
	copy(raw[24:], nameBytes)
	return raw
}

// buildRpathCmd renders an LC_RPATH load command carrying path.
func buildRpathCmd(bo byteOrderLike, path string) []byte {
	pathBytes := append([]byte(path), 0)
	size := align8(12 + len(pathBytes))
	raw := make([]byte, size)
	bo.PutUint32(raw[0:4], uint32(types.LC_RPATH))
	bo.PutUint32(raw[4:8], uint32(size))
	bo.PutUint32(raw[8:12], 12)
	copy(raw[12:], pathBytes)
	return raw
}

// byteOrderLike is the subset of binary.ByteOrder the builders above need;
// kept narrow so it reads clearly at call sites.
type byteOrderLike interface {
	PutUint32([]byte, uint32)
}

// anchor returns the file offset past which real section content begins: the
// boundary the load-command area must never grow past. Files with no
// sections at all (none observed in practice, but defensive) have zero
// slack.
func (s *Slice) anchor() int64 {
	if s.firstSectionOffset == 0 {
		return s.headerSize + int64(s.sizeCmds)
	}
	return int64(s.firstSectionOffset)
}

// layout recomputes the slice's header and load-command bytes from
// s.commands, preserving everything from the anchor onward unchanged. body
// is the current slice bytes to source that unchanged tail from; it may be
// shorter than s.data (ReSign truncates away a stale signature before
// calling this).
func (s *Slice) layout(body []byte) ([]byte, error) {
	var sizeCmds int
	for _, c := range s.commands {
		sizeCmds += len(c.Raw)
	}
	anchor := s.anchor()
	needed := s.headerSize + int64(sizeCmds)
	if needed > anchor {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrNoHeaderpad, needed-s.headerSize, anchor-s.headerSize)
	}
	if anchor > int64(len(body)) {
		return nil, fmt.Errorf("macho: anchor %d beyond body length %d", anchor, len(body))
	}

	out := make([]byte, int64(len(body)))
	copy(out, body[:s.headerSize]) // header fields rewritten below
	off := s.headerSize
	for _, c := range s.commands {
		copy(out[off:], c.Raw)
		off += int64(len(c.Raw))
	}
	// bytes in [off, anchor) are zero pad; out is zero-valued there already.
	copy(out[anchor:], body[anchor:])

	s.ByteOrder.PutUint32(out[16:20], uint32(len(s.commands)))
	s.ByteOrder.PutUint32(out[20:24], uint32(sizeCmds))

	return out, nil
}

// relayout regenerates s.data in place from the current s.commands and
// marks the slice dirty so Save knows to flush it.
func (s *Slice) relayout() error {
	out, err := s.layout(s.data)
	if err != nil {
		return err
	}
	s.data = out
	var sizeCmds int
	for _, c := range s.commands {
		sizeCmds += len(c.Raw)
	}
	s.sizeCmds = uint32(sizeCmds)
	s.ncmds = uint32(len(s.commands))
	s.dirty = true
	s.reindex()
	return nil
}

// reindex rebuilds the dylibs/rpaths/segments/codesign views over the
// current s.commands after a structural edit (add/remove/replace).
func (s *Slice) reindex() {
	s.dylibs = nil
	s.rpaths = nil
	s.segments = nil
	s.codesign = nil
	off := s.headerSize
	for i, rc := range s.commands {
		rc.Offset = off
		switch {
		case dylibCmds[rc.Cmd]:
			nameOff := s.ByteOrder.Uint32(rc.Raw[8:12])
			s.dylibs = append(s.dylibs, &Dylib{
				Cmd:      rc.Cmd,
				Name:     cString(rc.Raw, int(nameOff)),
				IsID:     rc.Cmd == types.LC_ID_DYLIB,
				cmdIndex: i,
			})
		case rc.Cmd == types.LC_RPATH:
			pathOff := s.ByteOrder.Uint32(rc.Raw[8:12])
			s.rpaths = append(s.rpaths, &Rpath{Path: cString(rc.Raw, int(pathOff)), cmdIndex: i})
		case rc.Cmd == types.LC_SEGMENT_64:
			name := cStringFixed(rc.Raw[8:24])
			s.segments = append(s.segments, &segment{
				Name:       name,
				FileOffset: s.ByteOrder.Uint64(rc.Raw[40:48]),
				FileSize:   s.ByteOrder.Uint64(rc.Raw[48:56]),
				cmdIndex:   i,
			})
		case rc.Cmd == types.LC_SEGMENT:
			name := cStringFixed(rc.Raw[8:24])
			s.segments = append(s.segments, &segment{
				Name:       name,
				FileOffset: uint64(s.ByteOrder.Uint32(rc.Raw[32:36])),
				FileSize:   uint64(s.ByteOrder.Uint32(rc.Raw[36:40])),
				cmdIndex:   i,
			})
		case rc.Cmd == types.LC_CODE_SIGNATURE:
			s.codesign = rc
		}
		off += int64(len(rc.Raw))
	}
}

// SetInstallID rewrites the file's own LC_ID_DYLIB name, the identity by
// which every dependent's LC_LOAD_DYLIB will refer to it once delocate
// relocates it into the sidecar directory. It is an error to call this on a
// file with no install-id: executables and bundles never carry one.
func (f *File) SetInstallID(name string) error {
	for _, s := range f.slices {
		idx := -1
		for i, d := range s.dylibs {
			if d.IsID {
				idx = d.cmdIndex
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("macho: %s: no LC_ID_DYLIB to rewrite", f.Path)
		}
		old := s.commands[idx]
		s.commands[idx] = &rawCommand{Cmd: types.LC_ID_DYLIB, Raw: buildDylibCmd(s.ByteOrder, types.LC_ID_DYLIB, name, old.Raw)}
		if err := s.relayout(); err != nil {
			return fmt.Errorf("macho: %s: set install id: %w", f.Path, err)
		}
	}
	return nil
}

// ChangeDependency rewrites every LC_LOAD_DYLIB-family command whose path is
// exactly old to newPath, across every slice. It reports how many commands
// were changed; callers treat 0 as "this file does not in fact depend on
// old" and decide for themselves whether that is an error.
func (f *File) ChangeDependency(old, newPath string) (int, error) {
	changed := 0
	for _, s := range f.slices {
		touched := false
		for _, d := range s.dylibs {
			if d.IsID || d.Name != old {
				continue
			}
			orig := s.commands[d.cmdIndex]
			s.commands[d.cmdIndex] = &rawCommand{Cmd: orig.Cmd, Raw: buildDylibCmd(s.ByteOrder, orig.Cmd, newPath, orig.Raw)}
			touched = true
			changed++
		}
		if touched {
			if err := s.relayout(); err != nil {
				return changed, fmt.Errorf("macho: %s: change dependency %s: %w", f.Path, old, err)
			}
		}
	}
	return changed, nil
}

// AddRpath appends an LC_RPATH command carrying path, unless the slice
// already has one with that exact path.
func (f *File) AddRpath(path string) error {
	for _, s := range f.slices {
		exists := false
		for _, r := range s.rpaths {
			if r.Path == path {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		s.commands = append(s.commands, &rawCommand{Cmd: types.LC_RPATH, Raw: buildRpathCmd(s.ByteOrder, path)})
		if err := s.relayout(); err != nil {
			return fmt.Errorf("macho: %s: add rpath %s: %w", f.Path, path, err)
		}
	}
	return nil
}

// DeleteRpath removes every LC_RPATH command carrying exactly path. It
// reports how many were removed.
func (f *File) DeleteRpath(path string) (int, error) {
	removed := 0
	for _, s := range f.slices {
		var kept []*rawCommand
		touched := false
		for i, c := range s.commands {
			isMatch := false
			if c.Cmd == types.LC_RPATH {
				for _, r := range s.rpaths {
					if r.cmdIndex == i && r.Path == path {
						isMatch = true
						break
					}
				}
			}
			if isMatch {
				touched = true
				removed++
				continue
			}
			kept = append(kept, c)
		}
		if !touched {
			continue
		}
		s.commands = kept
		if err := s.relayout(); err != nil {
			return removed, fmt.Errorf("macho: %s: delete rpath %s: %w", f.Path, path, err)
		}
	}
	return removed, nil
}

// Save flushes every dirty slice back into the file at f.Path. The overall
// file length is always unchanged by dependency/rpath/install-id rewrites
// (layout only ever reuses headerpad slack), so slices are spliced back into
// their original byte ranges without touching the fat header. Permissions
// are restored on every exit path, including read-only source files that
// Save had to make writable first.
func (f *File) Save() (err error) {
	dirty := false
	for _, s := range f.slices {
		if s.dirty {
			dirty = true
			break
		}
	}
	if !dirty {
		return nil
	}

	writable := f.mode | 0o200
	if writable != f.mode {
		if chmodErr := os.Chmod(f.Path, writable); chmodErr != nil {
			return fmt.Errorf("macho: %s: making writable: %w", f.Path, chmodErr)
		}
	}
	defer func() {
		if chmodErr := os.Chmod(f.Path, f.mode); err == nil {
			err = chmodErr
		}
	}()

	if !f.fat {
		// A thin file has exactly one slice, which is the whole file; a
		// resign may have grown it (appending a signature blob), so the
		// slice bytes simply become the new file content.
		f.data = f.slices[0].data
		return os.WriteFile(f.Path, f.data, f.mode)
	}

	for _, s := range f.slices {
		end := s.base + int64(len(s.data))
		if end > int64(len(f.data)) {
			return fmt.Errorf("macho: %s: slice grew past its reserved fat_arch range; re-sign thin members before lipo, not after", f.Path)
		}
		copy(f.data[s.base:end], s.data)
	}
	return os.WriteFile(f.Path, f.data, f.mode)
}
