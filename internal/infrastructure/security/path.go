// Package security guards filesystem paths used by workspace environments.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// PathValidator confines paths to a root directory.
type PathValidator struct {
	root          string
	criticalPaths []string
}

// NewPathValidator creates a validator for root. root must be absolute and must
// not be a system directory or the home directory itself.
func NewPathValidator(root string) (*PathValidator, error) {
	v := &PathValidator{
		criticalPaths: []string{
			"/",
			"/bin",
			"/sbin",
			"/usr",
			"/etc",
			"/var",
			"/tmp",
			"/opt",
			"/lib",
			"/home",
			"/root",
			"/System",
			"/Library",
			"/Applications",
			"/Users",
		},
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute: %s", root)
	}
	root = filepath.Clean(root)
	if slices.Contains(v.criticalPaths, root) {
		return nil, fmt.Errorf("workspace root cannot be a system directory: %s", root)
	}
	if home, err := os.UserHomeDir(); err == nil && root == filepath.Clean(home) {
		return nil, fmt.Errorf("workspace root cannot be the home directory")
	}
	v.root = root
	return v, nil
}

// Root returns the confining directory.
func (v *PathValidator) Root() string {
	return v.root
}

// ValidateForDeletion checks that path is strictly below the root.
func (v *PathValidator) ValidateForDeletion(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal components: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == v.root {
		return fmt.Errorf("cannot delete the workspace root")
	}
	if !within(v.root, clean) {
		return fmt.Errorf("path is outside the workspace root: %s", path)
	}
	return nil
}

// Resolve joins rel onto base, which must itself be inside the root, and
// returns the absolute result. Symlinks along the existing part of the path
// are followed so a link inside the repository cannot point outside it.
func (v *PathValidator) Resolve(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative: %s", rel)
	}
	base = filepath.Clean(base)
	if !within(v.root, base) && base != v.root {
		return "", fmt.Errorf("base is outside the workspace root: %s", base)
	}
	target := filepath.Join(base, rel)
	if !within(base, target) && target != base {
		return "", fmt.Errorf("path escapes its directory: %s", rel)
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", base, err)
	}
	realTarget, err := evalExisting(target)
	if err != nil {
		return "", err
	}
	if realTarget != realBase && !within(realBase, realTarget) {
		return "", fmt.Errorf("path resolves outside its directory: %s", rel)
	}
	return target, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// appends the remaining components.
func evalExisting(path string) (string, error) {
	var rest []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			slices.Reverse(rest)
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve %s: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
