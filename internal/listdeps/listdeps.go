// Package listdeps implements the read-only `listdeps` view over a
// dependency graph: every resolved dependency of a tree (system libraries
// only on request), each with the loaders that pull it in.
package listdeps

import (
	"sort"

	"github.com/appsworld/delocate/internal/depgraph"
)

// Entry is one dependency edge as reported to the user.
type Entry struct {
	Dependency string
	Loaders    []string
}

// Tree lists every dependency of the tree rooted at root. System libraries
// are included only when all is true.
func Tree(root string, all bool) ([]Entry, error) {
	g, err := depgraph.Build(root, "")
	if err != nil {
		return nil, err
	}

	var deps []string
	for dep := range g.Dependents {
		kind := depgraph.Classify(dep, root)
		if kind == depgraph.KindSystem && !all {
			continue
		}
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	out := make([]Entry, 0, len(deps))
	for _, dep := range deps {
		out = append(out, Entry{Dependency: dep, Loaders: g.Loaders(dep)})
	}
	return out, nil
}
