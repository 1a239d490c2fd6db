// Package delocator implements the core delocation algorithm (C4): given a
// staging directory tree, copy every external Mach-O dependency into a
// sidecar directory and rewrite every load command that referenced it to a
// @loader_path-relative path, repeating until no external dependency
// remains uncopied.
package delocator

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/appsworld/delocate/internal/depgraph"
	"github.com/appsworld/delocate/internal/resolve"
	"github.com/appsworld/delocate/macho"
)

// UnresolvedDependencyError is returned when the dependency graph contains
// a reference that could not be resolved to any file. It maps to the CLI's
// "unresolved dependency" exit code.
type UnresolvedDependencyError struct {
	Loader string
	Raw    string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("unresolved dependency %q referenced by %s", e.Raw, e.Loader)
}

// CopyFilter decides whether an external dependency (identified by its
// resolved absolute path) should be copied into the sidecar. The default
// accepts everything depgraph already classified as external.
type CopyFilter func(resolvedPath string) bool

// Options configures one delocation run.
type Options struct {
	// LibSdir names the sidecar directory created inside each package
	// root, default ".dylibs".
	LibSdir string

	// PackageRoots lists the top-level package directories inside root
	// that should each get their own sidecar. If empty, root itself is
	// treated as the sole package root (wheel-root sidecar placement, and
	// the natural choice for a bare directory with no wheel structure).
	PackageRoots []string

	// CodesignIdentifier is passed to the ad-hoc re-signer; it has no
	// cryptographic significance, only diagnostic value.
	CodesignIdentifier string

	// CopyFilter overrides which external dependencies are copied in.
	// Dependencies excluded by it are left untouched. It is only consulted
	// for references that resolved: an unresolved reference aborts the run
	// whether or not the filter would have excluded it.
	CopyFilter CopyFilter

	// ExecutablePath overrides what @executable_path resolves to. Empty
	// defaults to root itself, the only sensible reading for a tree with no
	// single distinguished executable.
	ExecutablePath string
}

func (o *Options) normalize(root string) {
	if o.LibSdir == "" {
		o.LibSdir = ".dylibs"
	}
	if len(o.PackageRoots) == 0 {
		o.PackageRoots = []string{root}
	}
	if o.CopyFilter == nil {
		o.CopyFilter = func(string) bool { return true }
	}
	if o.CodesignIdentifier == "" {
		o.CodesignIdentifier = "delocate"
	}
}

// CopyRecord is one external dependency copied into a sidecar.
type CopyRecord struct {
	Source string
	Dest   string
}

// Result summarizes what one delocation run did.
type Result struct {
	Copied   []CopyRecord
	Rewrites int
	Warnings []string
}

// Delocate runs the algorithm to a fixed point over root: repeatedly builds
// the dependency graph, copies newly-discovered external dependencies into
// their owning package's sidecar, and rewrites every loader that referenced
// them, until a full pass performs no copies. It finishes by stripping
// LC_RPATH entries that resolve outside the tree.
func Delocate(root string, opts Options) (*Result, error) {
	opts.normalize(root)
	result := &Result{}

	// destFor[srcAbsPath][sidecarDir] = dest path already placed there.
	// Persisted across passes so a second pass that rediscovers the same
	// external dependency (now reachable from a different loader) reuses
	// the existing copy instead of duplicating it.
	destFor := map[string]map[string]string{}
	// usedNames[sidecarDir][basename] = source that claimed it, for
	// collision disambiguation.
	usedNames := map[string]map[string]string{}

	for {
		g, err := depgraph.Build(root, opts.ExecutablePath)
		if err != nil {
			return nil, err
		}
		if loader, raw, ok := firstUnresolved(g); ok {
			return nil, &UnresolvedDependencyError{Loader: loader, Raw: raw}
		}

		copiedThisPass := false
		for _, e := range g.ExternalDeps() {
			if !opts.CopyFilter(e) {
				continue
			}
			for _, pkgRoot := range packageRootsOwning(g, e, opts.PackageRoots) {
				sidecar := filepath.Join(pkgRoot, opts.LibSdir)
				if destFor[e] != nil && destFor[e][sidecar] != "" {
					continue
				}
				dest, err := copyIntoSidecar(e, sidecar, usedNames)
				if err != nil {
					return nil, err
				}
				if err := setSelfReferentialID(dest, opts.CodesignIdentifier); err != nil {
					return nil, err
				}
				if destFor[e] == nil {
					destFor[e] = map[string]string{}
				}
				destFor[e][sidecar] = dest
				result.Copied = append(result.Copied, CopyRecord{Source: e, Dest: dest})
				copiedThisPass = true
			}
		}

		n, err := rewriteLoaders(g, opts, destFor)
		if err != nil {
			return nil, err
		}
		result.Rewrites += n

		if !copiedThisPass {
			break
		}
	}

	if err := cleanupRpaths(root, opts.ExecutablePath, opts.CodesignIdentifier); err != nil {
		return nil, err
	}
	return result, nil
}

func firstUnresolved(g *depgraph.Graph) (loader, raw string, ok bool) {
	var loaders []string
	for l := range g.Unresolved {
		loaders = append(loaders, l)
	}
	sort.Strings(loaders)
	if len(loaders) == 0 {
		return "", "", false
	}
	refs := append([]string(nil), g.Unresolved[loaders[0]]...)
	sort.Strings(refs)
	return loaders[0], refs[0], true
}

// packageRootsOwning returns, among candidates, every package root that has
// at least one loader (direct or already-discovered transitive) depending
// on dep.
func packageRootsOwning(g *depgraph.Graph, dep string, candidates []string) []string {
	owners := map[string]bool{}
	for _, l := range g.Loaders(dep) {
		owners[ownerOf(l, candidates)] = true
	}
	out := make([]string, 0, len(owners))
	for o := range owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// ownerOf returns the longest candidate package root that contains path.
func ownerOf(path string, candidates []string) string {
	best := ""
	for _, c := range candidates {
		rel, err := filepath.Rel(c, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		if len(c) > len(best) {
			best = c
		}
	}
	if best == "" && len(candidates) > 0 {
		return candidates[0]
	}
	return best
}

// copyIntoSidecar copies src into sidecar (creating it if needed),
// disambiguating the destination basename with a short hash of src's
// absolute path if a different source already claimed that basename.
func copyIntoSidecar(src, sidecar string, usedNames map[string]map[string]string) (string, error) {
	real, err := filepath.EvalSymlinks(src)
	if err != nil {
		real = src
	}
	if err := os.MkdirAll(sidecar, 0o755); err != nil {
		return "", err
	}
	if usedNames[sidecar] == nil {
		usedNames[sidecar] = map[string]string{}
	}
	name := filepath.Base(real)
	if claimant, ok := usedNames[sidecar][name]; ok && claimant != real {
		name = shortHash(real) + "-" + name
	}
	usedNames[sidecar][name] = real

	dest := filepath.Join(sidecar, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := copyFile(real, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func shortHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%x", sum)[:8]
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func setSelfReferentialID(dest, identifier string) error {
	f, err := macho.Open(dest)
	if err != nil {
		return fmt.Errorf("delocator: %s: %w", dest, err)
	}
	if err := f.SetInstallID("@loader_path/" + filepath.Base(dest)); err != nil {
		return err
	}
	if err := f.ReSign(identifier); err != nil {
		return err
	}
	return f.Save()
}

// rewriteLoaders walks every file depgraph visited and, for each of its raw
// dependency strings, rewrites it to a @loader_path-relative reference when
// it resolves to a copied external library or to a self-referenced file
// that was only findable by the "malformed" bare-basename fallback.
func rewriteLoaders(g *depgraph.Graph, opts Options, destFor map[string]map[string]string) (int, error) {
	rewrites := 0
	var paths []string
	for p := range g.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		f, err := macho.Open(path)
		if err != nil {
			continue // not Mach-O
		}
		ctx := g.ContextFor(path, f.Rpaths())
		changedAny := false
		for _, raw := range f.Dependencies() {
			resolved, err := resolve.Resolve(raw, ctx, nil)
			if err != nil {
				continue
			}
			newRef, ok := rewriteTarget(path, raw, resolved, g.Root, opts, destFor)
			if !ok || newRef == raw {
				continue
			}
			n, err := f.ChangeDependency(raw, newRef)
			if err != nil {
				return rewrites, err
			}
			rewrites += n
			if n > 0 {
				changedAny = true
			}
		}
		if changedAny {
			if err := f.ReSign(opts.CodesignIdentifier); err != nil {
				return rewrites, err
			}
			if err := f.Save(); err != nil {
				return rewrites, err
			}
		}
	}
	return rewrites, nil
}

// rewriteTarget decides the new dependency string (if any) for one raw
// reference that resolved to resolved, as loaded by path.
func rewriteTarget(path, raw, resolved, root string, opts Options, destFor map[string]map[string]string) (string, bool) {
	switch depgraph.Classify(resolved, root) {
	case depgraph.KindExternal:
		if !opts.CopyFilter(resolved) {
			return "", false
		}
		owner := ownerOf(path, opts.PackageRoots)
		sidecar := filepath.Join(owner, opts.LibSdir)
		dest := destFor[resolved][sidecar]
		if dest == "" {
			return "", false
		}
		return loaderPathRef(path, dest), true

	case depgraph.KindSelf:
		if hasMagicPrefix(raw) || filepath.IsAbs(raw) {
			return "", false
		}
		return loaderPathRef(path, resolved), true

	default:
		return "", false
	}
}

func hasMagicPrefix(raw string) bool {
	return strings.HasPrefix(raw, "@executable_path/") ||
		strings.HasPrefix(raw, "@loader_path/") ||
		strings.HasPrefix(raw, "@rpath/")
}

func loaderPathRef(loader, target string) string {
	rel, err := filepath.Rel(filepath.Dir(loader), target)
	if err != nil {
		rel = target
	}
	return "@loader_path/" + filepath.ToSlash(rel)
}

// cleanupRpaths removes every LC_RPATH entry that resolves outside root
// (or doesn't resolve at all), now that step 4 has replaced every external
// reference with a fully-resolved @loader_path path and no longer needs
// rpath-based search.
func cleanupRpaths(root, executablePath, identifier string) error {
	if executablePath == "" {
		executablePath = root
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		f, err := macho.Open(path)
		if err == macho.ErrNotMachO {
			return nil
		}
		if err != nil {
			return err
		}
		changed := false
		for _, rpath := range f.Rpaths() {
			ctx := resolve.Context{Loader: filepath.Dir(path), Executable: executablePath}
			resolved, err := resolve.Resolve(rpath, ctx, nil)
			if err != nil || !resolve.IsSelf(resolved, root) {
				if _, delErr := f.DeleteRpath(rpath); delErr != nil {
					return delErr
				}
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := f.ReSign(identifier); err != nil {
			return err
		}
		return f.Save()
	})
}
