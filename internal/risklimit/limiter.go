package risklimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("risklimit: invalid config")

// inFlightStates are the lifecycle positions that count against the rolling
// ceilings: dispatched or settled volume, not pending review.
var inFlightStates = []withdrawal.State{
	withdrawal.StateProcessing,
	withdrawal.StateConfirming,
	withdrawal.StateSucceed,
}

// Limiter checks a member's rolling withdrawal volume against the
// per-currency 24h/72h ceilings that gate the review fast path.
type Limiter struct {
	store withdrawal.Store
}

func New(store withdrawal.Store) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Limiter{store: store}, nil
}

// WithinFastPathLimits reports whether candidateSum fits under both the 24h
// and 72h ceilings of the currency, given the member's in-flight and settled
// volume in those windows. Callers hold the per-request lock across this
// read so two concurrent reviews cannot both pass against a stale sum.
func (l *Limiter) WithinFastPathLimits(ctx context.Context, memberID string, c currency.Currency, candidateSum decimal.Decimal, now time.Time) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("%w: nil limiter", ErrInvalidConfig)
	}
	if candidateSum.IsNegative() {
		return false, fmt.Errorf("%w: negative candidate sum", ErrInvalidConfig)
	}

	// Both windows come back from one store snapshot, so a write landing
	// between them cannot pass one ceiling against stale volume.
	sums, err := l.store.SumInWindows(ctx, memberID, c.Code, inFlightStates,
		now.Add(-24*time.Hour), now.Add(-72*time.Hour))
	if err != nil {
		return false, fmt.Errorf("risklimit: window sums: %w", err)
	}
	if sums.Short.Add(candidateSum).GreaterThan(c.Limit24h) {
		return false, nil
	}
	return sums.Long.Add(candidateSum).LessThanOrEqual(c.Limit72h), nil
}
