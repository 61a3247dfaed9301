// Package router picks the location that serves a request path and maps the
// path onto the location's document root.
package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Singert/webserv/core/config"
)

// ErrRouting is returned when a path cannot be mapped through a location.
var ErrRouting = errors.New("routing error")

// Router resolves paths against the ordered locations of one server.
type Router struct {
	locations []*config.LocationConfig
}

// New returns a Router over locations. The slice is shared, not copied, and
// must not be mutated.
func New(locations []*config.LocationConfig) *Router {
	return &Router{locations: locations}
}

// Resolve returns the first location, in configured order, that matches path.
func (r *Router) Resolve(path string) (*config.LocationConfig, bool) {
	return Resolve(path, r.locations)
}

// Resolve returns the first location of locations that matches path, and false
// when none does.
func Resolve(path string, locations []*config.LocationConfig) (*config.LocationConfig, bool) {
	for _, l := range locations {
		if Matches(path, l.URLPrefix) {
			return l, true
		}
	}
	return nil, false
}

// Matches reports whether path is served by a location with urlPrefix. The
// root prefix "/" only matches "/" itself; any other prefix matches every
// path that starts with it.
func Matches(path, urlPrefix string) bool {
	if urlPrefix == "/" {
		return path == "/"
	}
	stripped := strings.TrimPrefix(urlPrefix, "/")
	if stripped == "" || !strings.HasPrefix(path, "/") {
		return false
	}
	return strings.HasPrefix(path[1:], stripped)
}

// IsMethodAllowed reports whether the location allows m. A location with no
// allowed methods allows nothing.
func IsMethodAllowed(m config.Method, l *config.LocationConfig) bool {
	return l.AllowedMethods.Has(m)
}

// SubstitutePath replaces the location's url prefix at the start of path with
// its document root.
func SubstitutePath(path string, l *config.LocationConfig) (string, error) {
	if !strings.HasPrefix(path, l.URLPrefix) {
		return "", fmt.Errorf("%w: path %q does not match location %q", ErrRouting, path, l.URLPrefix)
	}
	root := filepath.Clean(l.DocumentRoot)
	rest := strings.TrimLeft(path[len(l.URLPrefix):], "/")
	if rest == "" {
		return root, nil
	}
	// The prefix is matched as a string, so "/img../x" under "/img" leaves
	// "../x" behind. The result must stay under the document root.
	target := filepath.Join(root, filepath.FromSlash(rest))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the root of location %q", ErrRouting, path, l.URLPrefix)
	}
	return target, nil
}

// FirstExistingIndex returns the most preferred index candidate that exists
// in directory dir. Candidates are tried from the last (most preferred) to the
// first.
func FirstExistingIndex(dir string, l *config.LocationConfig) (string, bool) {
	for i := len(l.IndexFileCandidates) - 1; i >= 0; i-- {
		name := l.IndexFileCandidates[i]
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name, true
		}
	}
	return "", false
}
