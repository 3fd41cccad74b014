// Package gate authorizes local filesystem paths against the configured
// media roots. Checks are purely lexical so a request is rejected before
// the path ever reaches the filesystem.
package gate

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrDenied is returned for paths outside every configured root.
var ErrDenied = errors.New("path outside allowed media roots")

// Gate holds the absolute, cleaned media roots.
type Gate struct {
	roots []string
}

// New builds a Gate from the configured root list. Roots that cannot be
// made absolute are dropped. An empty root list denies all local paths.
func New(roots []string) *Gate {
	g := &Gate{}
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(filepath.Clean(r))
		if err != nil {
			continue
		}
		g.roots = append(g.roots, abs)
	}
	return g
}

// Authorize cleans and absolutizes the requested path and checks it sits
// under one of the roots. On success it returns the canonical path every
// later filesystem operation must use; the raw request value is never
// touched again.
func (g *Gate) Authorize(path string) (string, error) {
	if path == "" {
		return "", ErrDenied
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", ErrDenied
	}
	for _, root := range g.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", ErrDenied
}
