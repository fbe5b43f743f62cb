// Package authority is a development implementation of the cloud permission
// service: the three authentication endpoints plus the usage upload sink,
// backed by an in-memory store. It exists so terminals and the simulator can
// run against real protocol semantics without the production backend.
package authority

import (
	"encoding/hex"
	"sync"
)

// User is a workshop member with granted permissions.
type User struct {
	ID          string
	Label       string
	Permissions []string
}

// TagRecord binds a provisioned tag to its owner and authorization key.
type TagRecord struct {
	UID      [7]byte
	AuthKey  []byte
	UserID   string
	Disabled bool
}

// Store holds the authority's tags and users in memory.
type Store struct {
	mu    sync.Mutex
	users map[string]User
	tags  map[string]TagRecord // keyed by hex UID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users: make(map[string]User),
		tags:  make(map[string]TagRecord),
	}
}

// AddUser registers a user.
func (s *Store) AddUser(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// AddTag registers a provisioned tag.
func (s *Store) AddTag(t TagRecord) {
	s.mu.Lock()
	s.tags[hex.EncodeToString(t.UID[:])] = t
	s.mu.Unlock()
}

// Tag looks up a tag by its hex UID.
func (s *Store) Tag(tokenID string) (TagRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tokenID]

	return t, ok
}

// UserFor returns the owner of a tag.
func (s *Store) UserFor(t TagRecord) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[t.UserID]

	return u, ok
}
