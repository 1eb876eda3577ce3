// Package idempotency provides the bounded replay window for order and
// transfer submissions. A replay with a previously seen key returns the
// original result id instead of re-executing.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Store records which result a given idempotency key produced. Entries
// expire after the configured window; a key seen again inside the window is
// a replay.
type Store interface {
	// PutIfAbsent records key -> resultID unless the key already exists, in
	// which case the existing result id is returned with ok=false.
	PutIfAbsent(ctx context.Context, scope, key, resultID string, window time.Duration) (existing string, ok bool, err error)
	// Get returns the result id recorded for key, if any.
	Get(ctx context.Context, scope, key string) (string, bool, error)
}

type memoryEntry struct {
	resultID  string
	expiresAt time.Time
}

// MemoryStore is an in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) key(scope, key string) string { return scope + ":" + key }

// PutIfAbsent implements Store.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, scope, key, resultID string, window time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	k := s.key(scope, key)
	if e, found := s.entries[k]; found && e.expiresAt.After(s.now()) {
		return e.resultID, false, nil
	}
	s.entries[k] = memoryEntry{resultID: resultID, expiresAt: s.now().Add(window)}
	return resultID, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[s.key(scope, key)]
	if !found || !e.expiresAt.After(s.now()) {
		return "", false, nil
	}
	return e.resultID, true, nil
}

// sweepLocked drops expired entries. Called opportunistically on writes.
func (s *MemoryStore) sweepLocked() {
	now := s.now()
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
		}
	}
}
