// Package wheel implements the wheel driver (C5): unpacking a wheel archive
// into a staging tree, locating its top-level package roots, regenerating
// RECORD after the delocator has mutated files, rewriting WHEEL's platform
// tags, and repacking deterministically.
package wheel

import (
	"archive/zip"
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

func init() {
	// A faster DEFLATE implementation than compress/flate's; repacking a
	// wheel with many extension modules is CPU-bound on compression, and
	// klauspost/compress is a drop-in zip.Compressor.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// ErrCorruptWheel is wrapped by errors describing a wheel that is not a
// readable zip archive, that lacks exactly one *.dist-info directory, or
// whose WHEEL file cannot be read. A missing RECORD is not reported, and
// RECORD hashes are not checked against file content.
var ErrCorruptWheel = fmt.Errorf("corrupt wheel")

// Wheel is a wheel archive unpacked into an owned temporary staging
// directory. Callers mutate files under Dir directly (the delocator does),
// then call RegenerateRecord and Repack.
type Wheel struct {
	Dir string // staging directory root

	srcMode os.FileMode
}

// Open extracts path into a fresh temporary directory.
func Open(path string) (*Wheel, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCorruptWheel, path, err)
	}
	defer r.Close()

	dir, err := os.MkdirTemp("", "delocate-wheel-*")
	if err != nil {
		return nil, err
	}

	for _, f := range r.File {
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := extractOne(f, dest); err != nil {
			return nil, err
		}
	}
	return &Wheel{Dir: dir, srcMode: fi.Mode()}, nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close removes the staging directory. It does not fail the caller's
// operation if cleanup itself fails; call it via defer.
func (w *Wheel) Close() error {
	return os.RemoveAll(w.Dir)
}

// DistInfoDir returns the absolute path of the *.dist-info directory,
// erroring if there isn't exactly one, per PEP 427.
func (w *Wheel) DistInfoDir() (string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return "", err
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".dist-info") {
			found = append(found, e.Name())
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: no *.dist-info directory", ErrCorruptWheel)
	case 1:
		return filepath.Join(w.Dir, found[0]), nil
	default:
		return "", fmt.Errorf("%w: multiple *.dist-info directories: %v", ErrCorruptWheel, found)
	}
}

// TopLevelPackageRoots returns the absolute paths of the wheel's top-level
// package directories, per top_level.txt if present, else every directory
// at the wheel root other than *.dist-info and *.data, whether or not it
// contains an __init__.* file.
func (w *Wheel) TopLevelPackageRoots() ([]string, error) {
	distInfo, err := w.DistInfoDir()
	if err != nil {
		return nil, err
	}

	if names, err := readLines(filepath.Join(distInfo, "top_level.txt")); err == nil {
		var roots []string
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			roots = append(roots, filepath.Join(w.Dir, filepath.FromSlash(name)))
		}
		if len(roots) > 0 {
			return roots, nil
		}
	}

	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".dist-info") || strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		roots = append(roots, filepath.Join(w.Dir, e.Name()))
	}
	sort.Strings(roots)
	return roots, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

// ReadTags parses the Tag: lines out of WHEEL.
func (w *Wheel) ReadTags() ([]string, error) {
	hdr, err := w.readWheelMetadata()
	if err != nil {
		return nil, err
	}
	return hdr["Tag"], nil
}

func (w *Wheel) readWheelMetadata() (textproto.MIMEHeader, error) {
	distInfo, err := w.DistInfoDir()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(distInfo, "WHEEL"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptWheel, err)
	}
	defer f.Close()
	return textproto.NewReader(bufio.NewReader(f)).ReadMIMEHeader()
}

// RewriteTags replaces every Tag: line in WHEEL with newTags, preserving
// every other field in its original order.
func (w *Wheel) RewriteTags(newTags []string) error {
	distInfo, err := w.DistInfoDir()
	if err != nil {
		return err
	}
	path := filepath.Join(distInfo, "WHEEL")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCorruptWheel, err)
	}

	var out strings.Builder
	inserted := false
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "Tag:") {
			if !inserted {
				for _, t := range newTags {
					out.WriteString("Tag: " + t + "\r\n")
				}
				inserted = true
			}
			continue
		}
		out.WriteString(trimmed + "\r\n")
	}
	if !inserted {
		for _, t := range newTags {
			out.WriteString("Tag: " + t + "\r\n")
		}
	}
	return os.WriteFile(path, []byte(out.String()), 0o644)
}

// RegenerateRecord rewrites RECORD to reflect the current content of every
// file in the staging tree: path,sha256=<urlsafe-base64-no-pad>,size for
// every file, and an empty hash/size row for RECORD itself, per the wheel
// spec.
func (w *Wheel) RegenerateRecord() error {
	distInfo, err := w.DistInfoDir()
	if err != nil {
		return err
	}
	recordPath := filepath.Join(distInfo, "RECORD")

	var names []string
	err = filepath.Walk(w.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		names = append(names, p)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(names)

	buf := &strings.Builder{}
	cw := csv.NewWriter(buf)
	cw.UseCRLF = true

	for _, abs := range names {
		rel, err := filepath.Rel(w.Dir, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if abs == recordPath {
			if err := cw.Write([]string{rel, "", ""}); err != nil {
				return err
			}
			continue
		}
		hash, size, err := hashFile(abs)
		if err != nil {
			return err
		}
		if err := cw.Write([]string{rel, "sha256=" + hash, strconv.FormatInt(size, 10)}); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return os.WriteFile(recordPath, []byte(buf.String()), 0o644)
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), n, nil
}

// Repack writes the staging tree as a zip archive to outPath: files in
// stable lexical order, DEFLATE via the klauspost compressor registered in
// init, and a fixed modification time when SOURCE_DATE_EPOCH is set so that
// repacking an unchanged tree is byte-reproducible. The archive is written
// to a sibling temp file and renamed into place, so a reader never observes
// a partially-written wheel.
func (w *Wheel) Repack(outPath string) (err error) {
	var names []string
	err = filepath.Walk(w.Dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		names = append(names, p)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(names)

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".delocate-wheel-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	modTime := clampTime()
	for _, abs := range names {
		if err = addZipEntry(zw, w.Dir, abs, modTime); err != nil {
			tmp.Close()
			return err
		}
	}
	if err = zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Rename(tmpPath, outPath); err != nil {
		return err
	}
	return nil
}

func addZipEntry(zw *zip.Writer, root, abs string, modTime time.Time) error {
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate
	hdr.Modified = modTime
	hdr.SetMode(info.Mode())

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// clampTime returns SOURCE_DATE_EPOCH as a time.Time when set, else the
// current time; mirrors reproducible-build tooling's usual contract.
func clampTime() time.Time {
	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return time.Now().UTC()
}
