package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("withdrawal: not found")
	ErrDuplicateID   = errors.New("withdrawal: duplicate id")
	ErrDuplicateTID  = errors.New("withdrawal: duplicate tid")
	ErrDuplicateTxID = errors.New("withdrawal: duplicate txid for currency")
	ErrStaleState    = errors.New("withdrawal: stale state")
	ErrTerminalState = errors.New("withdrawal: request is terminal")
	ErrInvalidInput  = errors.New("withdrawal: invalid input")
)

// WindowSums carries the rolling totals of the two review windows,
// read from one snapshot of the store.
type WindowSums struct {
	Short decimal.Decimal
	Long  decimal.Decimal
}

// Store persists withdrawal requests.
//
// Rows are append-only with respect to identity: requests are created once,
// mutated only through guarded state updates, and never deleted.
type Store interface {
	// Create persists a validated request in the prepared state.
	Create(ctx context.Context, w Withdrawal) (Withdrawal, error)

	Get(ctx context.Context, id uuid.UUID) (Withdrawal, error)
	GetByTID(ctx context.Context, tid string) (Withdrawal, error)

	// UpdateState advances id from the expected state to the next one.
	// It fails with ErrStaleState when the row is no longer in `from`,
	// and stamps CompletedAt exactly once when `to` is terminal.
	UpdateState(ctx context.Context, id uuid.UUID, from, to State) (Withdrawal, error)

	// SetTxID records the settlement transaction id, enforcing
	// (currency, txid) uniqueness. Idempotent for an identical txid.
	SetTxID(ctx context.Context, id uuid.UUID, txid string) (Withdrawal, error)

	// SetBlockNumber records the confirmation block for coin settlements.
	SetBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) (Withdrawal, error)

	// SumInWindows returns the totals of the `sum` column over the
	// member's withdrawals in the currency whose state is one of `states`,
	// for the windows opening at shortSince and longSince. Both sums come
	// from one snapshot, so concurrent writes cannot skew one window
	// against the other.
	SumInWindows(ctx context.Context, memberID, currencyCode string, states []State, shortSince, longSince time.Time) (WindowSums, error)

	ListByState(ctx context.Context, state State) ([]Withdrawal, error)
}
