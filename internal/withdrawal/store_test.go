package withdrawal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newRequest(t *testing.T, n byte, sum string) Withdrawal {
	t.Helper()
	var raw [16]byte
	raw[15] = n
	id := uuid.UUID(raw)
	w := validRequest(t)
	w.ID = id
	w.TID = TIDV1(id, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	w.Sum = dec(t, sum)
	w.Fee = dec(t, "0")
	w.Amount = w.Sum
	return w
}

func TestMemoryStore_CreateDedupes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	w := newRequest(t, 1, "100")
	created, err := s.Create(ctx, w)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created.CreatedAt.Equal(now) || !created.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps not stamped: %+v", created)
	}

	if _, err := s.Create(ctx, w); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	w2 := newRequest(t, 2, "100")
	w2.TID = w.TID
	if _, err := s.Create(ctx, w2); !errors.Is(err, ErrDuplicateTID) {
		t.Fatalf("expected ErrDuplicateTID, got %v", err)
	}
}

func TestMemoryStore_UpdateState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	w, err := s.Create(ctx, newRequest(t, 1, "100"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.UpdateState(ctx, w.ID, StatePrepared, StateSubmitted)
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if got.State != StateSubmitted || got.CompletedAt != nil {
		t.Fatalf("unexpected row after submit: %+v", got)
	}

	if _, err := s.UpdateState(ctx, w.ID, StatePrepared, StateCanceled); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	got, err = s.UpdateState(ctx, w.ID, StateSubmitted, StateCanceled)
	if err != nil {
		t.Fatalf("UpdateState to canceled: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("terminal entry must stamp completedAt exactly once: %+v", got)
	}

	if _, err := s.UpdateState(ctx, w.ID, StateCanceled, StateFailed); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestMemoryStore_SetTxIDUniquePerCurrency(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	a, err := s.Create(ctx, newRequest(t, 1, "100"))
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := s.Create(ctx, newRequest(t, 2, "100"))
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	const txid = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	if _, err := s.SetTxID(ctx, a.ID, txid); err != nil {
		t.Fatalf("SetTxID a: %v", err)
	}
	// Idempotent for the same value.
	if _, err := s.SetTxID(ctx, a.ID, txid); err != nil {
		t.Fatalf("SetTxID a repeat: %v", err)
	}
	if _, err := s.SetTxID(ctx, b.ID, txid); !errors.Is(err, ErrDuplicateTxID) {
		t.Fatalf("expected ErrDuplicateTxID, got %v", err)
	}
}

func TestMemoryStore_SumInWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	clock := now.Add(-60 * time.Hour)
	s := NewMemoryStore(func() time.Time { return clock })
	ctx := context.Background()

	// One old (60h) succeed row, one fresh processing row, one fresh
	// rejected row that must not count.
	old, err := s.Create(ctx, newRequest(t, 1, "300"))
	if err != nil {
		t.Fatalf("Create old: %v", err)
	}
	advance(t, s, old.ID, StateSubmitted, StateAccepted, StateProcessing, StateConfirming, StateSucceed)

	clock = now.Add(-1 * time.Hour)
	fresh, err := s.Create(ctx, newRequest(t, 2, "200"))
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}
	advance(t, s, fresh.ID, StateSubmitted, StateAccepted, StateProcessing)

	rejected, err := s.Create(ctx, newRequest(t, 3, "500"))
	if err != nil {
		t.Fatalf("Create rejected: %v", err)
	}
	advance(t, s, rejected.ID, StateSubmitted, StateRejected)

	inFlight := []State{StateProcessing, StateConfirming, StateSucceed}

	got, err := s.SumInWindows(ctx, "member-1", "btc", inFlight, now.Add(-24*time.Hour), now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("SumInWindows: %v", err)
	}
	if !got.Short.Equal(dec(t, "200")) {
		t.Fatalf("24h sum: got %s want 200", got.Short)
	}
	if !got.Long.Equal(dec(t, "500")) {
		t.Fatalf("72h sum: got %s want 500", got.Long)
	}
}

func advance(t *testing.T, s *MemoryStore, id uuid.UUID, states ...State) {
	t.Helper()
	ctx := context.Background()
	w, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	from := w.State
	for _, to := range states {
		if _, err := s.UpdateState(ctx, id, from, to); err != nil {
			t.Fatalf("advance %s -> %s: %v", from, to, err)
		}
		from = to
	}
}
