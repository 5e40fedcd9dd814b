package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/queue"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

var (
	ErrInvalidConfig = errors.New("settlement: invalid config")

	// ErrExclusivityViolation marks a currency configured as both coin
	// kind and escrow eligible. That is a mis-setup, not a runtime
	// withdrawal error: dispatch must refuse to pick a path, and the
	// caller must refuse to advance the request.
	ErrExclusivityViolation = errors.New("settlement: coin/escrow exclusivity violation")
)

const (
	JobWithdrawCoin   = "withdraw_coin"
	JobWithdrawEscrow = "withdraw_escrow"
)

// Route names the single settlement worker queue a withdrawal goes to.
type Route uint8

const (
	RouteUnknown Route = iota
	RouteCoin
	RouteEscrow
)

func (r Route) String() string {
	switch r {
	case RouteCoin:
		return "coin"
	case RouteEscrow:
		return "escrow"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Job is the message handed to an external settlement worker. Delivery is
// at-least-once; workers treat ID as an idempotency key.
type Job struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Config binds routes to queue topics.
type Config struct {
	CoinTopic   string
	EscrowTopic string
}

// Dispatcher enqueues a withdrawal to exactly one settlement worker queue.
type Dispatcher struct {
	cfg      Config
	producer queue.Producer
}

func New(cfg Config, producer queue.Producer) (*Dispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if cfg.CoinTopic == "" || cfg.EscrowTopic == "" {
		return nil, fmt.Errorf("%w: coin and escrow topics are required", ErrInvalidConfig)
	}
	if cfg.CoinTopic == cfg.EscrowTopic {
		return nil, fmt.Errorf("%w: coin and escrow topics must differ", ErrInvalidConfig)
	}
	return &Dispatcher{cfg: cfg, producer: producer}, nil
}

// Resolve decides the settlement path from the asset kind and the
// currency's escrow flag. Callers run it before committing a state
// transition so a mis-setup never advances a request.
func Resolve(c currency.Currency) (Route, error) {
	coin := c.Kind == currency.KindCoin
	escrow := c.EscrowEligible

	switch {
	case coin && escrow:
		return RouteUnknown, fmt.Errorf("%w: currency %s", ErrExclusivityViolation, c.Code)
	case escrow:
		return RouteEscrow, nil
	default:
		// Coin rail also absorbs escrow-ineligible fiat.
		return RouteCoin, nil
	}
}

// Dispatch resolves the route and publishes the job. Exactly one queue
// receives the message; an exclusivity violation publishes to neither.
func (d *Dispatcher) Dispatch(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (Route, error) {
	if d == nil || d.producer == nil {
		return RouteUnknown, fmt.Errorf("%w: nil dispatcher", ErrInvalidConfig)
	}

	route, err := Resolve(c)
	if err != nil {
		return RouteUnknown, err
	}

	var name, topic string
	switch route {
	case RouteCoin:
		name, topic = JobWithdrawCoin, d.cfg.CoinTopic
	case RouteEscrow:
		name, topic = JobWithdrawEscrow, d.cfg.EscrowTopic
	}

	payload, err := json.Marshal(Job{Name: name, ID: w.ID.String()})
	if err != nil {
		return RouteUnknown, fmt.Errorf("settlement: marshal job: %w", err)
	}
	if err := d.producer.Publish(ctx, topic, []byte(w.ID.String()), payload); err != nil {
		return RouteUnknown, fmt.Errorf("settlement: enqueue %s: %w", name, err)
	}
	return route, nil
}
