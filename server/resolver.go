package server

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// PathResolver confines client paths to a user's root directory.
//
// Client paths are virtual: "/" is the user's root. Relative paths are
// resolved against the session's working directory. Paths that would climb
// above the root, lexically through ".." or physically through a symlink,
// are clamped to the root instead of failing.
type PathResolver struct {
	root string
}

// NewPathResolver returns a resolver for the given root directory.
// The root must exist; it is made absolute and its symlinks are evaluated
// so containment checks compare canonical paths.
func NewPathResolver(root string) (*PathResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	return &PathResolver{root: canonical}, nil
}

// Root returns the canonical root directory.
func (r *PathResolver) Root() string {
	return r.root
}

// Virtual returns the cleaned virtual path of p as seen from cwd.
// The result always starts with "/" and never contains "..".
func Virtual(cwd, p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = cwd + "/" + p
	}
	return path.Clean("/" + p)
}

// Resolve maps a client path to a local filesystem path inside the root.
// It also returns the virtual path the local path corresponds to, which is
// "/" whenever the path had to be clamped.
func (r *PathResolver) Resolve(cwd, p string) (local, virtual string) {
	virtual = Virtual(cwd, p)
	local = filepath.Join(r.root, filepath.FromSlash(virtual))

	real, err := evalExisting(local)
	if err != nil || !r.contains(real) {
		return r.root, "/"
	}
	return local, virtual
}

// IsRoot reports whether local is the root directory itself.
func (r *PathResolver) IsRoot(local string) bool {
	return filepath.Clean(local) == r.root
}

func (r *PathResolver) contains(p string) bool {
	if p == r.root {
		return true
	}
	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting evaluates symlinks on the longest resolvable prefix of p and
// appends the remaining components unchanged. Those components do not
// exist, so the caller's own stat of the lexical path fails normally.
func evalExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				real = filepath.Join(real, rest[i])
			}
			return real, nil
		}
		// Missing components and lookups through a non-directory (ENOTDIR)
		// fall back to the parent. A dangling or looping symlink exists but
		// cannot be evaluated.
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}
