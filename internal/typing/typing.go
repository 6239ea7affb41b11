// Package typing tracks who is composing a message in which conversation.
// State here is advisory: it is never persisted, last-writer-wins on
// interleaved toggles, and an empty set is equivalent to an absent key.
package typing

import (
	"sort"
	"sync"
)

type Tracker struct {
	mu    sync.Mutex
	byKey map[string]map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		byKey: make(map[string]map[string]struct{}),
	}
}

// Start marks the user as typing in the conversation identified by key.
func (t *Tracker) Start(key, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.byKey[key]
	if !ok {
		users = make(map[string]struct{})
		t.byKey[key] = users
	}
	users[userID] = struct{}{}
}

// Stop removes the user from the conversation's typing set and reports
// whether the user was present.
func (t *Tracker) Stop(key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.byKey[key]
	if !ok {
		return false
	}
	if _, present := users[userID]; !present {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.byKey, key)
	}
	return true
}

// Typing returns the sorted set of users currently typing in the
// conversation.
func (t *Tracker) Typing(key string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.byKey[key]))
	for userID := range t.byKey[key] {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// PurgeUser removes the user from every typing set and returns the sorted
// keys the user was actually removed from, so the caller can broadcast one
// stop update per affected conversation.
func (t *Tracker) PurgeUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []string
	for key, users := range t.byKey {
		if _, present := users[userID]; present {
			delete(users, userID)
			if len(users) == 0 {
				delete(t.byKey, key)
			}
			affected = append(affected, key)
		}
	}
	sort.Strings(affected)
	return affected
}
