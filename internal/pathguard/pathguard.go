// Package pathguard validates client-supplied relative paths against a
// workspace root. Every filesystem-touching operation takes a path that
// went through Resolve first.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a path would resolve outside the
// workspace root. Escapes are rejected, never clamped.
var ErrEscapesRoot = fmt.Errorf("path escapes workspace root")

// Resolve normalizes rawPath relative to root and returns the absolute
// path inside root. Absolute inputs and any input whose cleaned form
// leaves root are rejected with ErrEscapesRoot. Resolve touches no
// filesystem state.
func Resolve(root, rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path: %w", ErrEscapesRoot)
	}
	if filepath.IsAbs(rawPath) || strings.HasPrefix(filepath.ToSlash(rawPath), "/") {
		return "", fmt.Errorf("absolute path %q: %w", rawPath, ErrEscapesRoot)
	}

	cleanRoot := filepath.Clean(root)
	resolved := filepath.Clean(filepath.Join(cleanRoot, filepath.FromSlash(rawPath)))

	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q: %w", rawPath, ErrEscapesRoot)
	}
	if resolved == cleanRoot {
		return "", fmt.Errorf("path %q resolves to the root itself: %w", rawPath, ErrEscapesRoot)
	}

	return resolved, nil
}

// Rel is like Resolve but returns the cleaned path relative to root,
// suitable as a stable key for locks and document identity.
func Rel(root, rawPath string) (string, error) {
	resolved, err := Resolve(root, rawPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(filepath.Clean(root), resolved)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %q: %w", rawPath, err)
	}
	return filepath.ToSlash(rel), nil
}
