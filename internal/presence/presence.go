// Package presence tracks which users currently hold a live connection.
// The registry is the single source of truth for "who is online": at most
// one handle per user, newer handles replace older ones, and removal is a
// compare-and-remove on handle identity so a stale handle tearing down
// after a reconnect can never evict its replacement.
package presence

import (
	"sort"
	"sync"
)

type Registry[H comparable] struct {
	mu      sync.Mutex
	handles map[string]H
}

func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{
		handles: make(map[string]H),
	}
}

// Register inserts or replaces the handle for a user. It returns the prior
// handle, if any; the caller owning that prior handle must treat it as
// superseded.
func (r *Registry[H]) Register(userID string, handle H) (prior H, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, replaced = r.handles[userID]
	r.handles[userID] = handle
	return prior, replaced
}

// Unregister removes the mapping only if it still equals handle, and
// reports whether removal occurred. A superseded handle disconnecting after
// replacement must not remove the newer entry.
func (r *Registry[H]) Unregister(userID string, handle H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.handles[userID]
	if !ok || current != handle {
		return false
	}
	delete(r.handles, userID)
	return true
}

// Lookup returns the live handle for a user, if any.
func (r *Registry[H]) Lookup(userID string) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[userID]
	return h, ok
}

// Online returns the sorted set of online user IDs.
func (r *Registry[H]) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.handles))
	for userID := range r.handles {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Handles returns every live handle.
func (r *Registry[H]) Handles() []H {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]H, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}
