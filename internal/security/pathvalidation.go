// Package security guards file access driven by external input.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its directory.
var ErrPathEscape = errors.New("path escapes directory")

// ValidatePathWithinDirectory checks that filePath, after cleaning and
// resolving symlinks, stays inside dir. A path that does not exist yet is
// checked through its nearest existing parent.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", filePath, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(canonicalDir, canonical(absPath))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPathEscape, filePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, filePath, dir)
	}
	return nil
}

// canonical resolves symlinks in the longest existing prefix of path.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for parent := filepath.Dir(path); ; parent = filepath.Dir(parent) {
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, path)
			return filepath.Join(resolved, rest)
		}
		if parent == filepath.Dir(parent) {
			return path
		}
	}
}
