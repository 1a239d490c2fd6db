// Package depgraph builds the transitive dependency graph of a directory
// tree of Mach-O files: tree_libs from the specification. It reads each
// file through the macho package, resolves its raw dependency strings
// through the resolve package, and accumulates an inverse map from a
// dependency's resolved path to the set of loaders that reference it.
package depgraph

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/appsworld/delocate/internal/resolve"
	"github.com/appsworld/delocate/macho"
)

// Kind classifies a resolved dependency path relative to the tree being
// walked.
type Kind int

const (
	KindSystem Kind = iota
	KindSelf
	KindExternal
)

// Graph is the inverse dependency map plus the bookkeeping tree_libs needs
// to propagate rpath context along chains of loaders and to report
// unresolved references.
type Graph struct {
	Root string

	// Executable is what @executable_path resolves against; normally Root,
	// overridable when the tree does carry a distinguished executable.
	Executable string

	// Dependents maps a dependency's resolved absolute path to the set of
	// loader paths that reference it.
	Dependents map[string]map[string]bool

	// Unresolved maps a loader path to the raw strings it references that
	// could not be resolved, as of the last (stable) visit.
	Unresolved map[string][]string

	// Files holds every regular file found under Root plus every resolved
	// dependency path queued for a visit, Mach-O or not; the delocator
	// iterates it when rewriting loaders.
	Files map[string]bool

	// rpaths is the accumulated search-context rpath list for each visited
	// path: the union of LC_RPATH entries along every chain of loaders
	// found to reach it so far.
	rpaths map[string][]string
}

// Build walks root and its transitive external dependencies, returning the
// stabilized graph. It never returns an error for an unresolved dependency;
// those are recorded in Unresolved for the caller to act on.
//
// executablePath overrides what @executable_path resolves to; dyld only
// defines that token for an actual executable, so a tree with no
// distinguished one (a library-only wheel) defaults it to root.
func Build(root, executablePath string) (*Graph, error) {
	if executablePath == "" {
		executablePath = root
	}
	g := &Graph{
		Root:       root,
		Executable: executablePath,
		Dependents: map[string]map[string]bool{},
		Unresolved: map[string][]string{},
		Files:      map[string]bool{},
		rpaths:     map[string][]string{},
	}

	var worklist []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			g.Files[p] = true
			worklist = append(worklist, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	visited := map[string]string{} // path -> rpath signature as of last visit
	// Iteration is bounded: each round either visits a file for the first
	// time or grows some file's rpath set, both monotonic and finite, so
	// this always terminates; the cap is a defensive backstop against a
	// future regression turning that into a livelock.
	const maxRounds = 10000
	rounds := 0
	for len(worklist) > 0 && rounds < maxRounds {
		rounds++
		p := worklist[0]
		worklist = worklist[1:]

		sig := rpathSignature(g.rpaths[p])
		if last, ok := visited[p]; ok && last == sig {
			continue
		}
		visited[p] = sig

		discovered, err := g.visit(p)
		if err != nil {
			// A dependency path with no file behind it (a system library
			// served from the dyld shared cache, say) is not visited.
			if err == macho.ErrNotMachO || os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		worklist = append(worklist, discovered...)
	}
	return g, nil
}

func rpathSignature(rpaths []string) string {
	cp := append([]string(nil), rpaths...)
	sort.Strings(cp)
	return strings.Join(cp, "\x00")
}

// visit reads one file's dependencies, resolves each, records the inverse
// edge, and returns the resolved paths that should themselves be queued for
// visiting (propagating this file's accumulated rpath context onward).
func (g *Graph) visit(path string) ([]string, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}

	ownRpaths := f.Rpaths()
	ctx := resolve.Context{
		Loader:     filepath.Dir(path),
		Executable: g.Executable,
		Rpaths:     mergeRpaths(g.rpaths[path], ownRpaths),
	}

	// Rpaths handed down to dependencies are resolved against this file's
	// own context first, so a downstream loader does not re-read an
	// @loader_path entry relative to its own directory.
	downstream := make([]string, 0, len(ctx.Rpaths))
	for _, r := range ctx.Rpaths {
		if abs, err := resolve.Resolve(r, ctx, nil); err == nil {
			r = abs
		}
		downstream = append(downstream, r)
	}

	var unresolved []string
	var discovered []string
	for _, raw := range f.Dependencies() {
		resolved, err := resolve.Resolve(raw, ctx, nil)
		if err != nil {
			unresolved = append(unresolved, raw)
			continue
		}
		if g.Dependents[resolved] == nil {
			g.Dependents[resolved] = map[string]bool{}
		}
		g.Dependents[resolved][path] = true

		grew := mergeInto(g.rpaths, resolved, downstream)
		if !g.Files[resolved] || grew {
			g.Files[resolved] = true
			discovered = append(discovered, resolved)
		}
	}
	if len(unresolved) > 0 {
		g.Unresolved[path] = unresolved
	} else {
		delete(g.Unresolved, path)
	}
	return discovered, nil
}

// mergeRpaths unions a file's own (raw) rpath entries onto its inherited
// context, deduplicated, preserving inherited-then-own order so the
// resolver tries upstream search paths first, matching dyld's own
// before-this-image-adds-its-own-rpaths behavior closely enough for
// resolution purposes.
func mergeRpaths(inherited, own []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range append(append([]string{}, inherited...), own...) {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// mergeInto unions extra into m[key], reporting whether the set grew.
func mergeInto(m map[string][]string, key string, extra []string) bool {
	existing := map[string]bool{}
	for _, r := range m[key] {
		existing[r] = true
	}
	grew := false
	for _, r := range extra {
		if !existing[r] {
			existing[r] = true
			m[key] = append(m[key], r)
			grew = true
		}
	}
	return grew
}

// Classify reports whether path is a system library, lies inside root
// (self), or is an external dependency that's a candidate for copying.
func Classify(path, root string) Kind {
	switch {
	case resolve.IsSystem(path):
		return KindSystem
	case resolve.IsSelf(path, root):
		return KindSelf
	default:
		return KindExternal
	}
}

// ContextFor returns the accumulated search context under which path was
// visited: its inherited rpaths unioned with its own LC_RPATH entries. It's
// exposed so the delocator can resolve a loader's raw dependency strings the
// same way the grapher did, without re-deriving rpath inheritance itself.
func (g *Graph) ContextFor(path string, ownRpaths []string) resolve.Context {
	return resolve.Context{
		Loader:     filepath.Dir(path),
		Executable: g.Executable,
		Rpaths:     mergeRpaths(g.rpaths[path], ownRpaths),
	}
}

// Loaders returns the sorted set of files that depend on dep.
func (g *Graph) Loaders(dep string) []string {
	set := g.Dependents[dep]
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ExternalDeps returns the sorted set of resolved dependency paths
// classified as external to root.
func (g *Graph) ExternalDeps() []string {
	var out []string
	for dep := range g.Dependents {
		if Classify(dep, g.Root) == KindExternal {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}
