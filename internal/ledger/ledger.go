package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput       = errors.New("ledger: invalid input")
	ErrNotFound           = errors.New("ledger: account not found")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvalidReservation = errors.New("ledger: invalid reservation")
)

// Balance is one account's split between spendable and reserved funds.
type Balance struct {
	AccountID string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Store moves funds between the available and locked sides of an account.
//
// All operations on one account are atomic with respect to each other:
// two concurrent reservations can never interleave into a negative
// available balance.
type Store interface {
	Get(ctx context.Context, accountID string) (Balance, error)

	// Deposit credits the available balance. Operational surface for
	// funding accounts; the withdrawal engine itself never deposits.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (Balance, error)

	// Lock reserves amount for a pending withdrawal. Fails with
	// ErrInsufficientFunds when available < amount.
	Lock(ctx context.Context, accountID string, amount decimal.Decimal) (Balance, error)

	// Unlock releases a reservation back to available. Fails with
	// ErrInvalidReservation when locked < amount.
	Unlock(ctx context.Context, accountID string, amount decimal.Decimal) (Balance, error)

	// UnlockAndDebit removes amount from the locked balance permanently.
	// The caller guarantees at-most-once per withdrawal; the single entry
	// into the succeed state is what prevents a double debit.
	UnlockAndDebit(ctx context.Context, accountID string, amount decimal.Decimal) (Balance, error)

	// Relock credits the locked balance directly, undoing an
	// UnlockAndDebit whose follow-up step failed. The account must exist.
	Relock(ctx context.Context, accountID string, amount decimal.Decimal) (Balance, error)
}

func validate(accountID string, amount decimal.Decimal) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	return nil
}
