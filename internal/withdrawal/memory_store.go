package withdrawal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory withdrawal store for unit tests and
// single-process runs. Safe for concurrent use.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	rows map[uuid.UUID]Withdrawal
	tids map[string]uuid.UUID
	// txids dedupes (currency, txid) pairs.
	txids map[string]uuid.UUID
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		rows:  make(map[uuid.UUID]Withdrawal),
		tids:  make(map[string]uuid.UUID),
		txids: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Create(_ context.Context, w Withdrawal) (Withdrawal, error) {
	if w.ID == uuid.Nil || strings.TrimSpace(w.TID) == "" {
		return Withdrawal{}, fmt.Errorf("%w: missing id or tid", ErrInvalidInput)
	}
	if w.State != StatePrepared {
		return Withdrawal{}, fmt.Errorf("%w: create requires prepared state", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[w.ID]; ok {
		return Withdrawal{}, ErrDuplicateID
	}
	if _, ok := s.tids[w.TID]; ok {
		return Withdrawal{}, ErrDuplicateTID
	}
	if w.TxID != "" {
		key := txidKey(w.Currency, w.TxID)
		if _, ok := s.txids[key]; ok {
			return Withdrawal{}, ErrDuplicateTxID
		}
		s.txids[key] = w.ID
	}

	now := s.now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.CompletedAt = nil

	s.rows[w.ID] = w
	s.tids[w.TID] = w.ID
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) GetByTID(_ context.Context, tid string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tids[tid]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return cloneWithdrawal(s.rows[id]), nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id uuid.UUID, from, to State) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	if w.State.Terminal() {
		return Withdrawal{}, ErrTerminalState
	}
	if w.State != from {
		return Withdrawal{}, fmt.Errorf("%w: at %s, expected %s", ErrStaleState, w.State, from)
	}

	now := s.now().UTC()
	w.State = to
	w.UpdatedAt = now
	if to.Terminal() && w.CompletedAt == nil {
		completed := now
		w.CompletedAt = &completed
	}
	s.rows[id] = w
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) SetTxID(_ context.Context, id uuid.UUID, txid string) (Withdrawal, error) {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return Withdrawal{}, fmt.Errorf("%w: empty txid", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	if w.TxID == txid {
		return cloneWithdrawal(w), nil
	}
	if w.TxID != "" {
		return Withdrawal{}, fmt.Errorf("%w: txid already set", ErrInvalidInput)
	}

	key := txidKey(w.Currency, txid)
	if owner, ok := s.txids[key]; ok && owner != id {
		return Withdrawal{}, ErrDuplicateTxID
	}

	w.TxID = txid
	w.UpdatedAt = s.now().UTC()
	s.rows[id] = w
	s.txids[key] = id
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) SetBlockNumber(_ context.Context, id uuid.UUID, blockNumber uint64) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}

	bn := blockNumber
	w.BlockNumber = &bn
	w.UpdatedAt = s.now().UTC()
	s.rows[id] = w
	return cloneWithdrawal(w), nil
}

func (s *MemoryStore) SumInWindows(_ context.Context, memberID, currencyCode string, states []State, shortSince, longSince time.Time) (WindowSums, error) {
	if memberID == "" || currencyCode == "" || len(states) == 0 {
		return WindowSums{}, ErrInvalidInput
	}

	want := make(map[State]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One pass under the lock keeps both windows on the same snapshot.
	sums := WindowSums{Short: decimal.Zero, Long: decimal.Zero}
	for _, w := range s.rows {
		if w.MemberID != memberID || !strings.EqualFold(w.Currency, currencyCode) {
			continue
		}
		if _, ok := want[w.State]; !ok {
			continue
		}
		if !w.CreatedAt.Before(shortSince) {
			sums.Short = sums.Short.Add(w.Sum)
		}
		if !w.CreatedAt.Before(longSince) {
			sums.Long = sums.Long.Add(w.Sum)
		}
	}
	return sums, nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State) ([]Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Withdrawal
	for _, w := range s.rows {
		if w.State == state {
			out = append(out, cloneWithdrawal(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func txidKey(currencyCode, txid string) string {
	return strings.ToLower(strings.TrimSpace(currencyCode)) + "/" + txid
}

func cloneWithdrawal(w Withdrawal) Withdrawal {
	if w.BlockNumber != nil {
		bn := *w.BlockNumber
		w.BlockNumber = &bn
	}
	if w.CompletedAt != nil {
		at := *w.CompletedAt
		w.CompletedAt = &at
	}
	return w
}
