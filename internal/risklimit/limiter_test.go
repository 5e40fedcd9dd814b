package risklimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func btc(t *testing.T) currency.Currency {
	t.Helper()
	return currency.Currency{
		Code:              "btc",
		Kind:              currency.KindCoin,
		Precision:         8,
		MinWithdrawAmount: dec(t, "10"),
		Limit24h:          dec(t, "1000"),
		Limit72h:          dec(t, "2000"),
	}
}

// seed creates a withdrawal at the store clock's current time and walks it
// into the given state.
func seed(t *testing.T, s *withdrawal.MemoryStore, n byte, sum string, path ...withdrawal.State) {
	t.Helper()
	ctx := context.Background()

	var raw [16]byte
	raw[15] = n
	id := uuid.UUID(raw)

	w := withdrawal.Withdrawal{
		ID:        id,
		TID:       withdrawal.TIDV1(id, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		RID:       "bc1qexample",
		AccountID: "acct-1",
		MemberID:  "member-1",
		Currency:  "btc",
		Amount:    dec(t, sum),
		Fee:       dec(t, "0"),
		Sum:       dec(t, sum),
		State:     withdrawal.StatePrepared,
	}
	if _, err := s.Create(ctx, w); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	from := withdrawal.StatePrepared
	for _, to := range path {
		if _, err := s.UpdateState(ctx, id, from, to); err != nil {
			t.Fatalf("seed advance %s -> %s: %v", from, to, err)
		}
		from = to
	}
}

func TestWithinFastPathLimits_ExactCeilingBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-2 * time.Hour)
	store := withdrawal.NewMemoryStore(func() time.Time { return clock })

	// Rolling 24h volume S = 400.
	seed(t, store, 1, "400",
		withdrawal.StateSubmitted, withdrawal.StateAccepted, withdrawal.StateProcessing)

	l, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// C24 - S passes.
	ok, err := l.WithinFastPathLimits(ctx, "member-1", btc(t), dec(t, "600"), now)
	if err != nil {
		t.Fatalf("WithinFastPathLimits: %v", err)
	}
	if !ok {
		t.Fatalf("candidate C24-S must pass")
	}

	// C24 - S + 1 satoshi fails.
	ok, err = l.WithinFastPathLimits(ctx, "member-1", btc(t), dec(t, "600.00000001"), now)
	if err != nil {
		t.Fatalf("WithinFastPathLimits: %v", err)
	}
	if ok {
		t.Fatalf("candidate C24-S+epsilon must fail")
	}
}

func TestWithinFastPathLimits_72hWindowBinds(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	store := withdrawal.NewMemoryStore(func() time.Time { return clock })

	// 1500 settled 48h ago: outside the 24h window, inside the 72h one.
	seed(t, store, 1, "1500",
		withdrawal.StateSubmitted, withdrawal.StateAccepted, withdrawal.StateProcessing,
		withdrawal.StateConfirming, withdrawal.StateSucceed)

	l, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// 600 fits under the 24h ceiling alone but busts 72h (1500+600 > 2000).
	ok, err := l.WithinFastPathLimits(ctx, "member-1", btc(t), dec(t, "600"), now)
	if err != nil {
		t.Fatalf("WithinFastPathLimits: %v", err)
	}
	if ok {
		t.Fatalf("72h ceiling must bind")
	}

	ok, err = l.WithinFastPathLimits(ctx, "member-1", btc(t), dec(t, "500"), now)
	if err != nil {
		t.Fatalf("WithinFastPathLimits: %v", err)
	}
	if !ok {
		t.Fatalf("500 fits both windows")
	}
}

func TestWithinFastPathLimits_IgnoresReviewStates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-1 * time.Hour)
	store := withdrawal.NewMemoryStore(func() time.Time { return clock })

	// Submitted volume is reserved, not dispatched; it does not count.
	seed(t, store, 1, "900", withdrawal.StateSubmitted)

	l, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := l.WithinFastPathLimits(context.Background(), "member-1", btc(t), dec(t, "1000"), now)
	if err != nil {
		t.Fatalf("WithinFastPathLimits: %v", err)
	}
	if !ok {
		t.Fatalf("submitted rows must not count against the ceiling")
	}
}
