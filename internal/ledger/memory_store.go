package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger for unit tests and single-process
// runs. Safe for concurrent use; one mutex covers all accounts, which keeps
// every per-account operation trivially atomic.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]Balance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]Balance)}
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (Balance, error) {
	if accountID == "" {
		return Balance{}, fmt.Errorf("%w: missing account id", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	return b, nil
}

func (s *MemoryStore) Deposit(_ context.Context, accountID string, amount decimal.Decimal) (Balance, error) {
	if err := validate(accountID, amount); err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		b = Balance{AccountID: accountID, Available: decimal.Zero, Locked: decimal.Zero}
	}
	b.Available = b.Available.Add(amount)
	s.balances[accountID] = b
	return b, nil
}

func (s *MemoryStore) Lock(_ context.Context, accountID string, amount decimal.Decimal) (Balance, error) {
	if err := validate(accountID, amount); err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if b.Available.LessThan(amount) {
		return Balance{}, fmt.Errorf("%w: available %s < %s", ErrInsufficientFunds, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	s.balances[accountID] = b
	return b, nil
}

func (s *MemoryStore) Unlock(_ context.Context, accountID string, amount decimal.Decimal) (Balance, error) {
	if err := validate(accountID, amount); err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if b.Locked.LessThan(amount) {
		return Balance{}, fmt.Errorf("%w: locked %s < %s", ErrInvalidReservation, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	s.balances[accountID] = b
	return b, nil
}

func (s *MemoryStore) UnlockAndDebit(_ context.Context, accountID string, amount decimal.Decimal) (Balance, error) {
	if err := validate(accountID, amount); err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if b.Locked.LessThan(amount) {
		return Balance{}, fmt.Errorf("%w: locked %s < %s", ErrInvalidReservation, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	s.balances[accountID] = b
	return b, nil
}

func (s *MemoryStore) Relock(_ context.Context, accountID string, amount decimal.Decimal) (Balance, error) {
	if err := validate(accountID, amount); err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	b.Locked = b.Locked.Add(amount)
	s.balances[accountID] = b
	return b, nil
}
