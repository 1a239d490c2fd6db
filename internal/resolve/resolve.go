// Package resolve implements the macOS dynamic-linker path conventions
// delocate needs to turn a raw dependency string recorded in a Mach-O load
// command into the file it actually names: `@executable_path`,
// `@loader_path` and `@rpath` token substitution against an inherited
// search context.
package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	executablePathPrefix = "@executable_path/"
	loaderPathPrefix     = "@loader_path/"
	rpathPrefix          = "@rpath/"
)

// Context is the (loader_path, executable_path, rpath_list) triple a
// dependency string is resolved against. Loader is the directory of the
// file doing the loading; Executable is the main program's directory (the
// root of the traversal, for a tree with no distinguished executable);
// Rpaths is the ordered union of LC_RPATH entries accumulated along the
// current chain of loaders, each already resolved against its own loader's
// context.
type Context struct {
	Loader     string
	Executable string
	Rpaths     []string
}

// UnresolvedError reports a dependency string that could not be resolved to
// an existing file. It carries both the raw string and the loader that
// requested it, per the spec's diagnostic requirement.
type UnresolvedError struct {
	Loader string
	Raw    string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved dependency %q referenced by %s", e.Raw, e.Loader)
}

// Exists abstracts the filesystem existence check so callers (and tests) can
// resolve against a staging tree without touching the real disk layout
// beyond what's already unpacked.
type Exists func(path string) bool

func defaultExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Resolve turns raw into a canonicalized absolute path per §4.2: magic
// prefixes are substituted against ctx, bare absolute paths are accepted
// as-is, and a relative path with no prefix falls back to a same-directory
// basename match (the "malformed reference" case) before failing.
func Resolve(raw string, ctx Context, exists Exists) (string, error) {
	if exists == nil {
		exists = defaultExists
	}
	switch {
	case strings.HasPrefix(raw, executablePathPrefix):
		return canonicalize(filepath.Join(ctx.Executable, strings.TrimPrefix(raw, executablePathPrefix))), nil

	case strings.HasPrefix(raw, loaderPathPrefix):
		return canonicalize(filepath.Join(ctx.Loader, strings.TrimPrefix(raw, loaderPathPrefix))), nil

	case strings.HasPrefix(raw, rpathPrefix):
		rest := strings.TrimPrefix(raw, rpathPrefix)
		return resolveViaRpaths(raw, rest, ctx, exists)

	case filepath.IsAbs(raw):
		return canonicalize(raw), nil

	default:
		candidate := filepath.Join(ctx.Loader, filepath.Base(raw))
		if exists(candidate) {
			return canonicalize(candidate), nil
		}
		return "", &UnresolvedError{Loader: ctx.Loader, Raw: raw}
	}
}

// resolveViaRpaths tries each rpath entry in order, resolving the entry
// itself recursively (it may carry its own @loader_path/@executable_path
// prefix) before joining it with the @rpath/ remainder. The first candidate
// that exists on disk wins, matching dyld's own search-in-order behavior.
func resolveViaRpaths(raw, rest string, ctx Context, exists Exists) (string, error) {
	for _, r := range ctx.Rpaths {
		base, err := Resolve(r, ctx, exists)
		if err != nil {
			continue
		}
		candidate := filepath.Join(base, rest)
		if exists(candidate) {
			return canonicalize(candidate), nil
		}
	}
	return "", &UnresolvedError{Loader: ctx.Loader, Raw: raw}
}

// canonicalize collapses symlinks where possible; a path that doesn't exist
// yet (or can't be stat'd) is returned cleaned but otherwise untouched, so
// resolution failures still carry a sensible path for diagnostics.
func canonicalize(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return filepath.Clean(path)
}

// IsSystem reports whether a resolved absolute path belongs to the base
// system and should never be copied into a wheel.
func IsSystem(path string) bool {
	return strings.HasPrefix(path, "/usr/lib/") || strings.HasPrefix(path, "/System/")
}

// IsSelf reports whether a resolved path already lies inside root.
func IsSelf(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
