// Package leases provides expiring ownership records used to serialize
// compound withdrawal operations. The audit step acquires a per-request
// lease before reading ledger and rolling-sum state, so two operators
// (or a retried command) cannot audit the same withdrawal concurrently.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// ForWithdrawal names the lease guarding one withdrawal's compound
// operations. All engine instances must agree on this naming.
func ForWithdrawal(id uuid.UUID) string {
	return "withdrawals/" + id.String()
}

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Expired reports whether the lease has lapsed at time now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Store is a compare-and-swap lease API. TryAcquire wins when the lease is
// absent or expired at the store's clock. Renew requires current ownership;
// a renewed lease may already be expired, ownership holds until stolen.
// Release of an absent lease is a no-op.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
