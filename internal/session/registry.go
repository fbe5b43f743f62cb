package session

import (
	"sync"
	"time"
)

const (
	// maxCachedSessions bounds the reuse cache; the oldest entry is evicted
	// when a new one arrives at capacity.
	maxCachedSessions = 8
	// reuseTTL is the single authoritative session reuse window. A tag
	// re-presented within this window skips the mutual authentication.
	reuseTTL = 5 * time.Minute
)

type cacheEntry struct {
	session  *TokenSession
	storedAt time.Time
}

// Registry caches token sessions by tag UID. Written by the authentication
// action on its worker goroutine and read by the coordinator, so all access
// is mutex-guarded.
type Registry struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[[7]byte]cacheEntry
}

// NewRegistry creates an empty session cache.
func NewRegistry() *Registry {
	return newRegistryWithClock(time.Now)
}

func newRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		now:     now,
		entries: make(map[[7]byte]cacheEntry),
	}
}

// Lookup returns the cached session for a tag if it is still inside the
// reuse window. Expired entries are dropped on access.
func (r *Registry) Lookup(uid [7]byte) (*TokenSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[uid]
	if !ok {
		return nil, false
	}
	if r.now().Sub(e.storedAt) > reuseTTL {
		delete(r.entries, uid)

		return nil, false
	}

	return e.session, true
}

// Store caches a session for a tag, evicting the oldest entry at capacity.
func (r *Registry) Store(uid [7]byte, s *TokenSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[uid]; !exists && len(r.entries) >= maxCachedSessions {
		var oldestUID [7]byte
		var oldestAt time.Time
		first := true
		for k, e := range r.entries {
			if first || e.storedAt.Before(oldestAt) {
				oldestUID = k
				oldestAt = e.storedAt
				first = false
			}
		}
		delete(r.entries, oldestUID)
	}

	r.entries[uid] = cacheEntry{session: s, storedAt: r.now()}
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
