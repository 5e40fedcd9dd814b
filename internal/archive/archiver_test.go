package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/event"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

func terminalWithdrawal() withdrawal.Withdrawal {
	created := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	completed := created.Add(time.Hour)
	return withdrawal.Withdrawal{
		ID:          uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		TID:         "wd0123456789abcdef0123",
		RID:         "0xabc",
		AccountID:   "acct-1",
		MemberID:    "member-1",
		Currency:    "btc",
		Amount:      decimal.RequireFromString("1.5"),
		Fee:         decimal.RequireFromString("0.001"),
		Sum:         decimal.RequireFromString("1.501"),
		State:       withdrawal.StateSucceed,
		CreatedAt:   created,
		UpdatedAt:   completed,
		CompletedAt: &completed,
	}
}

func TestArchiverWritesTerminalRecord(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchiver(store)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	w := terminalWithdrawal()
	if err := a.Archive(context.Background(), w); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	key := "withdrawals/6ba7b810-9dad-11d1-80b4-00c04fd430c8/lifecycle/succeed.json"
	obj, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.ContentType != "application/json" {
		t.Fatalf("content type = %q", obj.ContentType)
	}
	if obj.Metadata["tid"] != w.TID || obj.Metadata["state"] != "succeed" {
		t.Fatalf("metadata = %v", obj.Metadata)
	}

	var p event.Payload
	if err := json.Unmarshal(obj.Data, &p); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if p.TID != w.TID || p.State != "succeed" {
		t.Fatalf("record payload = %+v", p)
	}
	if p.CompletedAt == nil {
		t.Fatalf("expected completed_at in terminal record")
	}
}

func TestArchiverIdempotentOnRedelivery(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchiver(store)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	w := terminalWithdrawal()
	if err := a.Archive(context.Background(), w); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	key := Key(w)
	first, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// A redelivered terminal transition must not rewrite the record.
	w.UpdatedAt = w.UpdatedAt.Add(time.Minute)
	if err := a.Archive(context.Background(), w); err != nil {
		t.Fatalf("Archive #2: %v", err)
	}

	second, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get #2: %v", err)
	}
	if first.ETag != second.ETag {
		t.Fatalf("record rewritten: etag %q -> %q", first.ETag, second.ETag)
	}
}

func TestArchiverRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	store, err := NewStore(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a, err := NewArchiver(store)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	w := terminalWithdrawal()
	w.State = withdrawal.StateProcessing
	w.CompletedAt = nil

	if err := a.Archive(context.Background(), w); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Archive error = %v, want ErrInvalidKey", err)
	}
}
