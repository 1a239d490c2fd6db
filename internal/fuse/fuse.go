// Package fuse implements the wheel fuser (C6): combining two single-arch
// macOS wheels that are otherwise identical into one wheel carrying a
// universal (fat) Mach-O for every shared binary, on the assumption that the
// two inputs were built from the same source at the same version.
package fuse

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/appsworld/delocate/internal/wheel"
	"github.com/appsworld/delocate/macho"
)

// IrreconcilableError reports a file present in both wheels that is neither
// a Mach-O pair eligible for make_universal nor bytewise identical. It maps
// to the CLI's merge-failure exit code.
type IrreconcilableError struct {
	Path string
	Left string
	Right string
}

func (e *IrreconcilableError) Error() string {
	return fmt.Sprintf("irreconcilable file %q: %s and %s differ and are not a mergeable Mach-O pair", e.Path, e.Left, e.Right)
}

// Options configures one merge.
type Options struct {
	CodesignIdentifier string
}

func (o *Options) normalize() {
	if o.CodesignIdentifier == "" {
		o.CodesignIdentifier = "delocate"
	}
}

// Merge fuses leftPath and rightPath (two wheel files whose platform tags
// differ only in architecture) into a single universal wheel written into
// outDir, under a filename derived from the merged platform tag. It returns
// the path written. Overwriting either input is not supported: outDir must
// differ from both inputs' directories, or the names must differ.
func Merge(leftPath, rightPath, outDir string, opts Options) (outPath string, err error) {
	opts.normalize()

	left, err := wheel.Open(leftPath)
	if err != nil {
		return "", err
	}
	defer left.Close()
	right, err := wheel.Open(rightPath)
	if err != nil {
		return "", err
	}
	defer right.Close()

	leftTags, err := left.ReadTags()
	if err != nil {
		return "", err
	}
	rightTags, err := right.ReadTags()
	if err != nil {
		return "", err
	}

	mergedTags, err := mergeTagSets(leftTags, rightTags)
	if err != nil {
		return "", err
	}

	if err := mergeTree(left.Dir, right.Dir, opts); err != nil {
		return "", err
	}

	if err := left.RewriteTags(mergedTags); err != nil {
		return "", err
	}
	if err := left.RegenerateRecord(); err != nil {
		return "", err
	}

	outName, err := mergedFilename(filepath.Base(leftPath), mergedTags)
	if err != nil {
		return "", err
	}
	outPath = filepath.Join(outDir, outName)
	if samePath(outPath, leftPath) || samePath(outPath, rightPath) {
		return "", fmt.Errorf("merge: refusing to overwrite an input wheel (%s)", outPath)
	}
	if err := left.Repack(outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func samePath(a, b string) bool {
	aAbs, errA := filepath.Abs(a)
	bAbs, errB := filepath.Abs(b)
	return errA == nil && errB == nil && aAbs == bAbs
}

// mergedFilename rewrites a wheel filename's platform-tag component (the
// last dash-separated segment before .whl) to reflect mergedTags' platform
// portion, per the standard {name}-{version}-{python}-{abi}-{platform}.whl
// layout. Multiple distinct platform components collapse to a dot-joined
// compressed tag set, matching PEP 425.
func mergedFilename(leftName string, mergedTags []string) (string, error) {
	if !strings.HasSuffix(leftName, ".whl") {
		return "", fmt.Errorf("merge: %q is not a .whl filename", leftName)
	}
	stem := strings.TrimSuffix(leftName, ".whl")
	parts := strings.Split(stem, "-")
	if len(parts) < 3 {
		return "", fmt.Errorf("merge: %q does not look like a wheel filename", leftName)
	}

	platforms := map[string]bool{}
	var order []string
	for _, tag := range mergedTags {
		_, plat := splitPlatformField(tag)
		if !platforms[plat] {
			platforms[plat] = true
			order = append(order, plat)
		}
	}
	sort.Strings(order)
	parts[len(parts)-1] = strings.Join(order, ".")
	return strings.Join(parts, "-") + ".whl", nil
}

// mergeTree walks the union of files under leftDir and rightDir, merging
// Mach-O pairs into leftDir in place and requiring bytewise equality for
// everything else (copying a right-only file into leftDir as-is).
func mergeTree(leftDir, rightDir string, opts Options) error {
	leftFiles, err := listFiles(leftDir)
	if err != nil {
		return err
	}
	rightFiles, err := listFiles(rightDir)
	if err != nil {
		return err
	}

	all := map[string]bool{}
	for rel := range leftFiles {
		all[rel] = true
	}
	for rel := range rightFiles {
		all[rel] = true
	}
	var rels []string
	for rel := range all {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	for _, rel := range rels {
		lp := filepath.Join(leftDir, rel)
		rp := filepath.Join(rightDir, rel)
		_, inLeft := leftFiles[rel]
		_, inRight := rightFiles[rel]

		switch {
		case isDistInfoMetadata(rel):
			// WHEEL's Tag line and RECORD's hashes are expected to differ
			// between the two inputs; Merge rewrites both itself afterward.
		case inLeft && !inRight:
			// already in place
		case !inLeft && inRight:
			if err := copyInto(rp, lp); err != nil {
				return err
			}
		default:
			if err := reconcile(rel, lp, rp, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// isDistInfoMetadata reports whether rel is the WHEEL or RECORD file inside
// a *.dist-info directory, the two files Merge regenerates itself rather
// than requiring byte-identical across inputs.
func isDistInfoMetadata(rel string) bool {
	dir, base := filepath.Split(rel)
	dir = strings.TrimSuffix(filepath.ToSlash(dir), "/")
	return strings.HasSuffix(dir, ".dist-info") && (base == "WHEEL" || base == "RECORD")
}

func reconcile(rel, lp, rp string, opts Options) error {
	lf, lErr := macho.Open(lp)
	rf, rErr := macho.Open(rp)
	if lErr == nil && rErr == nil {
		out, err := os.CreateTemp(filepath.Dir(lp), ".fuse-*.tmp")
		if err != nil {
			return err
		}
		outPath := out.Name()
		out.Close()
		defer os.Remove(outPath)

		if err := macho.MakeUniversal(outPath, lf, rf); err != nil {
			return fmt.Errorf("merge %s: %w", rel, err)
		}
		merged, err := os.ReadFile(outPath)
		if err != nil {
			return err
		}
		info, err := os.Stat(lp)
		if err != nil {
			return err
		}
		return os.WriteFile(lp, merged, info.Mode())
	}
	if lErr != macho.ErrNotMachO && lErr != nil {
		return lErr
	}
	if rErr != macho.ErrNotMachO && rErr != nil {
		return rErr
	}

	same, err := filesEqual(lp, rp)
	if err != nil {
		return err
	}
	if !same {
		return &IrreconcilableError{Path: rel, Left: lp, Right: rp}
	}
	return nil
}

func filesEqual(a, b string) (bool, error) {
	af, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	bf, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(af, bf), nil
}

func listFiles(root string) (map[string]bool, error) {
	out := map[string]bool{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = true
		return nil
	})
	return out, err
}

func copyInto(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// platformTag is a parsed macosx_<major>_<minor>_<arch> wheel platform tag.
type platformTag struct {
	major, minor int
	arch         string
}

func parsePlatformTag(tag string) (platformTag, bool) {
	parts := strings.Split(tag, "_")
	if len(parts) < 4 || parts[0] != "macosx" {
		return platformTag{}, false
	}
	major, err1 := strconv.Atoi(parts[1])
	minor, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return platformTag{}, false
	}
	arch := strings.Join(parts[3:], "_")
	return platformTag{major: major, minor: minor, arch: arch}, true
}

// universalArchName maps the arch component of two input tags onto the
// merged tag's arch component, per the conventions pip/delocate use:
// x86_64+arm64 -> universal2, i386+x86_64 -> intel, two identical archs ->
// that arch, anything else -> joined with "_".
func universalArchName(a, b string) string {
	set := map[string]bool{a: true, b: true}
	switch {
	case set["x86_64"] && set["arm64"] && len(set) == 2:
		return "universal2"
	case set["i386"] && set["x86_64"] && len(set) == 2:
		return "intel"
	case a == b:
		return a
	default:
		return a + "_" + b
	}
}

// mergeTagSets requires left and right to carry the same count of tags,
// pairwise differing only in the arch component of each tag's trailing
// macosx_* platform field, and returns the merged tag set: the python and
// abi fields preserved, platform fields merged taking the newer minimum
// deployment target per arch family.
func mergeTagSets(left, right []string) ([]string, error) {
	if len(left) != len(right) {
		return nil, fmt.Errorf("merge: tag count mismatch: %v vs %v", left, right)
	}
	sort.Strings(left)
	sort.Strings(right)

	merged := make([]string, len(left))
	for i := range left {
		l, r := left[i], right[i]
		if l == r {
			merged[i] = l
			continue
		}
		lPrefix, lPlat := splitPlatformField(l)
		rPrefix, rPlat := splitPlatformField(r)
		if lPrefix != rPrefix {
			return nil, fmt.Errorf("merge: tag %q and %q differ outside the platform component", l, r)
		}
		lp, lok := parsePlatformTag(lPlat)
		rp, rok := parsePlatformTag(rPlat)
		if !lok || !rok {
			return nil, fmt.Errorf("merge: tag %q and %q are not macosx platform tags", l, r)
		}
		major, minor := lp.major, lp.minor
		if rp.major > major || (rp.major == major && rp.minor > minor) {
			major, minor = rp.major, rp.minor
		}
		arch := universalArchName(lp.arch, rp.arch)
		merged[i] = fmt.Sprintf("%s-%s", lPrefix, fmt.Sprintf("macosx_%d_%d_%s", major, minor, arch))
	}
	return merged, nil
}

// splitPlatformField splits a full "python-abi-platform" compatibility tag
// into its "python-abi" prefix and its trailing platform field.
func splitPlatformField(tag string) (prefix, platform string) {
	idx := strings.LastIndex(tag, "-")
	if idx < 0 {
		return "", tag
	}
	return tag[:idx], tag[idx+1:]
}
