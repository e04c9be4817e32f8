package util

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathOutsideRoots indicates the path resolves outside every allowed root
var ErrPathOutsideRoots = errors.New("path outside allowed roots")

// MaxPathLength bounds accepted path input
const MaxPathLength = 4096

// ResolveWithin resolves path against roots and returns the absolute, cleaned
// result when it lies inside one of them. Relative paths are joined to the
// first root. Containment is checked on the cleaned path, so "a/../b" is
// accepted while "../outside" is not.
func ResolveWithin(path string, roots []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > MaxPathLength {
		return "", fmt.Errorf("path exceeds %d bytes", MaxPathLength)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("null bytes not allowed in path")
	}
	if len(roots) == 0 {
		return "", ErrPathOutsideRoots
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(roots[0], candidate)
	}
	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if Within(absPath, absRoot) {
			return absPath, nil
		}
	}
	return "", ErrPathOutsideRoots
}

// Within reports whether path equals root or is nested below it.
// Both arguments must be absolute and clean.
func Within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
