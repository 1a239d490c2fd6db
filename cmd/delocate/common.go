package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/appsworld/delocate/internal/archcheck"
	"github.com/appsworld/delocate/internal/delocator"
	"github.com/appsworld/delocate/internal/wheel"
	"github.com/appsworld/delocate/macho"
)

// openAsTree accepts either a directory (used as-is) or a .whl file
// (extracted into a staging directory owned by the returned cleanup), so
// `listdeps` accepts either form. `path` takes its directory argument
// directly and does not go through this.
func openAsTree(path string) (root string, cleanup func(), err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if fi.IsDir() {
		return path, func() {}, nil
	}
	if !strings.HasSuffix(path, ".whl") {
		return "", nil, fmt.Errorf("%s: not a directory or a .whl file", path)
	}
	w, err := wheel.Open(path)
	if err != nil {
		return "", nil, err
	}
	return w.Dir, func() { _ = w.Close() }, nil
}

// defaultCopyFilter accepts every external dependency (system libraries are
// already excluded by depgraph.Classify before the filter is consulted);
// exposed as a function in case a future flag wants to narrow it further.
func defaultCopyFilter() delocator.CopyFilter {
	return func(string) bool { return true }
}

// requireArchsCheck runs the post-delocation architecture check when
// requireArchs is non-empty, printing each deficient file to errOut and
// returning an *archcheck.DeficitError (mapped to the architecture-deficit
// exit code) if any file comes up short.
func requireArchsCheck(errOut io.Writer, root, requireArchs string) error {
	if requireArchs == "" {
		return nil
	}
	required, err := macho.ExpandArchSet(requireArchs)
	if err != nil {
		return err
	}
	missing, err := archcheck.Check(root, required, false)
	for _, m := range missing {
		fmt.Fprintf(errOut, "missing %v: %s\n", m.MissingArch, m.Path)
	}
	return err
}
