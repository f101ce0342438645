// Package media maps public media identifiers to their origin URLs.
package media

import (
	"net/url"
	"strings"
	"sync"
)

// Registry resolves public media ids. Last writer wins.
type Registry interface {
	Get(id string) (string, bool)
	Set(id, originURL string)
}

// MemoryRegistry is a process-wide Registry held in memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]string)}
}

func (r *MemoryRegistry) Get(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.entries[id]
	return u, ok
}

func (r *MemoryRegistry) Set(id, originURL string) {
	r.mu.Lock()
	r.entries[id] = originURL
	r.mu.Unlock()
}

// IDFromURL returns the final non-empty path segment of rawURL.
func IDFromURL(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Resolve maps a public media URL to its origin. Unknown ids resolve to the
// URL itself.
func Resolve(r Registry, rawURL string) string {
	if r == nil || rawURL == "" {
		return rawURL
	}
	if origin, ok := r.Get(IDFromURL(rawURL)); ok {
		return origin
	}
	return rawURL
}
