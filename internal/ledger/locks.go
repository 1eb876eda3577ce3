package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// lockRegistry hands out one mutex per account so every balance or position
// mutation for an account is linearized. Locks are created lazily and never
// removed; the set of active accounts is bounded.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (r *lockRegistry) get(accountID uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[accountID] = l
	}
	return l
}

// lockAll acquires the locks for the given accounts in a fixed global order
// (by UUID string) to prevent deadlock, and returns an unlock function.
func (r *lockRegistry) lockAll(accountIDs ...uuid.UUID) func() {
	ids := make([]uuid.UUID, 0, len(accountIDs))
	seen := make(map[uuid.UUID]bool, len(accountIDs))
	for _, id := range accountIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	acquired := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l := r.get(id)
		l.Lock()
		acquired = append(acquired, l)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}
