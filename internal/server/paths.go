package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/54b3r/docpipe-go/internal/document"
)

// confinePath resolves a client-supplied path against root and returns the
// real path of the file. Relative paths are taken relative to root. The path
// is rejected with document.ErrInvalidInput when it leaves root, either
// lexically or through a symlink, or when it does not exist.
func confinePath(root, p string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("server: ingest root %s: %w", root, err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(realRoot, p)
	}
	p = filepath.Clean(p)
	if !within(root, p) && !within(realRoot, p) {
		return "", fmt.Errorf("%w: path is outside the ingest root", document.ErrInvalidInput)
	}

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s: no such file", document.ErrInvalidInput, p)
		}
		return "", fmt.Errorf("%w: %s: %v", document.ErrInvalidInput, p, err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("%w: path is outside the ingest root", document.ErrInvalidInput)
	}
	return real, nil
}

// within reports whether the clean path p is root or lies below it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
