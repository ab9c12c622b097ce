package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveInWorkspace resolves p against root and returns the absolute path.
// Relative paths are joined to root; absolute paths are accepted only when
// they already lie inside root. Anything that resolves outside root, directly
// or through a symlinked ancestor, is rejected with ErrPathEscape.
func ResolveInWorkspace(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyPath
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	if !within(absRoot, target) || !within(realPath(absRoot), realPath(target)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// realPath resolves symlinks on the deepest existing ancestor of p and
// re-attaches the missing tail.
func realPath(p string) string {
	dir := p
	var tail []string
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}
}
