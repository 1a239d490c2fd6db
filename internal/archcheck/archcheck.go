// Package archcheck implements the post-delocation architecture check (C7):
// verifying that every Mach-O file under a tree carries at least the
// required set of architectures.
package archcheck

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/appsworld/delocate/macho"
)

// Missing is one file found to be missing one or more required architectures.
type Missing struct {
	Path        string
	MissingArch []string
}

// DeficitError aggregates every file found short of the required
// architecture set. It maps to the CLI's architecture-deficit exit code.
type DeficitError struct {
	Required []string
	Files    []Missing
}

func (e *DeficitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "architecture deficit: missing %v in:", e.Required)
	for _, m := range e.Files {
		fmt.Fprintf(&b, "\n  %s (missing %v)", m.Path, m.MissingArch)
	}
	return b.String()
}

// Check walks root and verifies every Mach-O file found carries every
// architecture in required. required holds plain arch tokens; aliases like
// "intel" or "universal2" must already have been expanded by the caller via
// macho.ExpandArchSet. Non-Mach-O files are silently skipped. If warnOnly is
// false and any file is short, Check returns the Missing list together with
// a *DeficitError; if warnOnly is true, it returns the same Missing list as
// its first return value with a nil error, for the caller to report as
// warnings.
func Check(root string, required []string, warnOnly bool) ([]Missing, error) {
	var missing []Missing
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		f, openErr := macho.Open(path)
		if openErr == macho.ErrNotMachO {
			return nil
		}
		if openErr != nil {
			return openErr
		}
		if gaps := f.HasArchs(required); len(gaps) > 0 {
			missing = append(missing, Missing{Path: path, MissingArch: gaps})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Path < missing[j].Path })

	if len(missing) == 0 || warnOnly {
		return missing, nil
	}
	return missing, &DeficitError{Required: required, Files: missing}
}
