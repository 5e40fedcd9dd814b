package leases

import (
	"context"
	"sync"
	"time"
)

type grant struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore keeps leases in a map guarded by a mutex. It backs unit tests
// and single-process deployments; multi-instance engines need the postgres
// store.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	grants map[string]grant
}

// NewMemoryStore builds a MemoryStore. A nil now falls back to time.Now;
// tests inject a fixed clock to drive expiry.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		grants: make(map[string]grant),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if g, held := s.grants[name]; held && g.expiresAt.After(now) {
		return Lease{Name: name, Owner: g.owner, ExpiresAt: g.expiresAt}, false, nil
	}
	g := grant{owner: owner, expiresAt: now.Add(ttl)}
	s.grants[name] = g
	return Lease{Name: name, Owner: owner, ExpiresAt: g.expiresAt}, true, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, held := s.grants[name]
	switch {
	case !held:
		return Lease{}, false, ErrNotFound
	case g.owner != owner:
		return Lease{}, false, ErrNotOwner
	}

	g.expiresAt = s.now().Add(ttl)
	s.grants[name] = g
	return Lease{Name: name, Owner: owner, ExpiresAt: g.expiresAt}, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, held := s.grants[name]
	if !held {
		return nil
	}
	if g.owner != owner {
		return ErrNotOwner
	}
	delete(s.grants, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, held := s.grants[name]
	if !held {
		return Lease{}, ErrNotFound
	}
	return Lease{Name: name, Owner: g.owner, ExpiresAt: g.expiresAt}, nil
}
