// Package session owns the authenticated identity of a browser session.
//
// The browser holds only an opaque session ID in an HttpOnly cookie. The
// identity and the backend bearer token live in a Store keyed by that ID, so
// a page reload restores the session without re-authenticating and the token
// never reaches the browser. The Manager is the only writer of the store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/nexusbff/model"
)

// Store persists identities by session ID.
type Store interface {
	// Get returns the identity stored under id, or nil when there is none or
	// it has expired.
	Get(ctx context.Context, id string) (*model.Identity, error)

	// Put stores identity under id for ttl.
	Put(ctx context.Context, id string, identity model.Identity, ttl time.Duration) error

	// Delete removes id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	identity  model.Identity
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Get returns the identity for id.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Identity, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, nil
	}

	identity := entry.identity
	return &identity, nil
}

// Put stores identity with ttl.
func (s *MemoryStore) Put(_ context.Context, id string, identity model.Identity, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = memEntry{
		identity:  identity,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Delete removes id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
