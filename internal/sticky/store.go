// Package sticky keeps session-to-account affinity bindings.
package sticky

import (
	"context"
	"sync"
	"time"
)

// Store persists bindings with a TTL measured from the last touch.
type Store interface {
	// Get returns the bound account id for key, missing when the binding
	// is absent or expired. Implementations may evict lazily on read.
	Get(ctx context.Context, key string) (accountID string, ok bool, err error)

	// Put creates or overwrites the binding and starts its TTL.
	Put(ctx context.Context, key, accountID string) error

	// Touch refreshes the binding's TTL. Touching a missing binding is a
	// no-op.
	Touch(ctx context.Context, key string) error

	// Delete removes the binding.
	Delete(ctx context.Context, key string) error
}

type binding struct {
	accountID     string
	lastTouchedAt time.Time
}

// MemoryStore is the in-process default store. Bindings for distinct
// sessions never contend: the map lock is held only for the brief
// read/write, and the last writer for one key simply wins.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.Mutex
	bindings map[string]*binding

	now func() time.Time
}

// NewMemoryStore creates an in-process store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		bindings: make(map[string]*binding),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return "", false, nil
	}
	if s.now().Sub(b.lastTouchedAt) > s.ttl {
		delete(s.bindings, key)
		return "", false, nil
	}
	return b.accountID, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key, accountID string) error {
	s.mu.Lock()
	s.bindings[key] = &binding{accountID: accountID, lastTouchedAt: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, key string) error {
	s.mu.Lock()
	if b, ok := s.bindings[key]; ok {
		b.lastTouchedAt = s.now()
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.bindings, key)
	s.mu.Unlock()
	return nil
}
