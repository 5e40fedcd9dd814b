// Package engine orchestrates the withdrawal lifecycle: guarded state
// transitions with ordered side effects against the fund ledger, the
// risk limiter, and the settlement dispatcher.
//
// Operations on one request are serialized through a per-request lease.
// Requesting an event that is not valid from the current state is not
// an error; the operation returns the unchanged row and callers must
// check the resulting state rather than assume success.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/archive"
	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/event"
	"github.com/opencustody/custody-core/internal/leases"
	"github.com/opencustody/custody-core/internal/ledger"
	"github.com/opencustody/custody-core/internal/risklimit"
	"github.com/opencustody/custody-core/internal/settlement"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

var (
	ErrInvalidConfig = errors.New("engine: invalid config")

	// ErrRequestBusy reports that another operation currently holds the
	// request's lease. Callers retry; they must not force the lock.
	ErrRequestBusy = errors.New("engine: request busy")

	// ErrDispatchFailed reports that the state advanced to processing
	// but the settlement job was not enqueued. Recover with Reprocess.
	ErrDispatchFailed = errors.New("engine: settlement dispatch failed")
)

type Config struct {
	// Owner identifies this engine instance for lease ownership.
	Owner string

	// LeaseTTL bounds how long a crashed operation can wedge a request.
	LeaseTTL time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Engine struct {
	cfg Config

	withdrawals withdrawal.Store
	ledger      ledger.Store
	currencies  *currency.Registry
	risk        *risklimit.Limiter
	dispatcher  *settlement.Dispatcher
	locks       leases.Store

	events   *event.Publisher
	notifier event.Notifier
	archiver *archive.Archiver

	log *slog.Logger
}

// New validates the configuration and wires the engine. The event
// publisher and archiver are optional; the notifier defaults to a no-op.
func New(cfg Config, withdrawals withdrawal.Store, ledgerStore ledger.Store, currencies *currency.Registry, risk *risklimit.Limiter, dispatcher *settlement.Dispatcher, locks leases.Store, events *event.Publisher, notifier event.Notifier, archiver *archive.Archiver, log *slog.Logger) (*Engine, error) {
	if withdrawals == nil || ledgerStore == nil || currencies == nil || risk == nil || dispatcher == nil || locks == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = event.NopNotifier{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Engine{
		cfg:         cfg,
		withdrawals: withdrawals,
		ledger:      ledgerStore,
		currencies:  currencies,
		risk:        risk,
		dispatcher:  dispatcher,
		locks:       locks,
		events:      events,
		notifier:    notifier,
		archiver:    archiver,
		log:         log,
	}, nil
}

// CreateParams carries the caller-supplied fields of a new request.
type CreateParams struct {
	AccountID string
	MemberID  string
	Currency  string
	RID       string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
}

// Create persists a new request in the prepared state. Validation
// failures surface synchronously and nothing is persisted.
func (e *Engine) Create(ctx context.Context, p CreateParams) (withdrawal.Withdrawal, error) {
	c, err := e.currencies.Get(p.Currency)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("engine: create: %w", err)
	}

	now := e.cfg.Now().UTC()
	id := uuid.New()
	w := withdrawal.Withdrawal{
		ID:        id,
		TID:       withdrawal.TIDV1(id, now),
		RID:       p.RID,
		AccountID: p.AccountID,
		MemberID:  p.MemberID,
		Currency:  c.Code,
		Amount:    p.Amount,
		Fee:       p.Fee,
		Sum:       p.Amount.Add(p.Fee),
		State:     withdrawal.StatePrepared,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := withdrawal.Validate(w, c); err != nil {
		return withdrawal.Withdrawal{}, err
	}

	created, err := e.withdrawals.Create(ctx, w)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("engine: create: %w", err)
	}

	e.publishEvent(ctx, created)
	e.log.Info("withdrawal created",
		"withdrawal", created.ID,
		"tid", created.TID,
		"currency", created.Currency,
		"sum", created.Sum)
	return created, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withdrawals.Get(ctx, id)
}

func (e *Engine) GetByTID(ctx context.Context, tid string) (withdrawal.Withdrawal, error) {
	return e.withdrawals.GetByTID(ctx, tid)
}

// Submit locks the debited total and moves prepared -> submitted,
// firing the notification trigger once.
func (e *Engine) Submit(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, withdrawal.EventSubmit)
		if !ok {
			return w, nil
		}
		if err := withdrawal.Validate(w, c); err != nil {
			return w, err
		}
		if _, err := e.ledger.Lock(ctx, w.AccountID, w.Sum); err != nil {
			return w, fmt.Errorf("engine: lock funds: %w", err)
		}
		updated, err := e.withdrawals.UpdateState(ctx, w.ID, w.State, next)
		if err != nil {
			if _, uerr := e.ledger.Unlock(ctx, w.AccountID, w.Sum); uerr != nil {
				e.log.Error("roll back fund lock", "withdrawal", w.ID, "err", uerr)
			}
			return w, fmt.Errorf("engine: submit: %w", err)
		}
		e.afterTransition(ctx, updated)
		if err := e.notifier.Notify(ctx, event.TemplateFor(c), event.NewPayload(updated)); err != nil {
			e.log.Warn("notification trigger failed", "withdrawal", updated.ID, "err", err)
		}
		return updated, nil
	})
}

// Cancel moves prepared/submitted/accepted -> canceled, unlocking the
// reserved total unless the request never left prepared.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, withdrawal.EventCancel)
		if !ok {
			return w, nil
		}
		// Funds are only locked from submitted onward.
		if w.State == withdrawal.StatePrepared {
			return e.commit(ctx, w, next, withdrawal.EventCancel)
		}
		if _, err := e.ledger.Unlock(ctx, w.AccountID, w.Sum); err != nil {
			return w, fmt.Errorf("engine: unlock funds: %w", err)
		}
		return e.commitAfterUnlock(ctx, w, next, withdrawal.EventCancel)
	})
}

// Suspect parks a submitted request for manual review and releases the
// reservation while it waits.
func (e *Engine) Suspect(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.unlockingTransition(ctx, id, withdrawal.EventSuspect)
}

// Accept moves submitted -> accepted.
func (e *Engine) Accept(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		return e.acceptLocked(ctx, w)
	})
}

// Reject moves submitted/accepted/confirming -> rejected and returns
// the reserved total to the available balance.
func (e *Engine) Reject(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.unlockingTransition(ctx, id, withdrawal.EventReject)
}

// Fail moves processing/confirming -> failed and returns the reserved
// total to the available balance.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.unlockingTransition(ctx, id, withdrawal.EventFail)
}

// Process moves accepted -> processing and enqueues the settlement job.
// Route exclusivity is validated before the state is committed, so a
// mis-configured currency never advances.
func (e *Engine) Process(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		return e.processLocked(ctx, w, c)
	})
}

// Load moves accepted -> confirming for coin requests whose settlement
// transaction is already known.
func (e *Engine) Load(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, withdrawal.EventLoad)
		if !ok {
			return w, nil
		}
		if c.Kind != currency.KindCoin || w.TxID == "" {
			return w, nil
		}
		return e.commit(ctx, w, next, withdrawal.EventLoad)
	})
}

// Dispatch moves processing -> confirming once the worker reports
// progress: fiat immediately, coin only with a transaction id on file.
func (e *Engine) Dispatch(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, withdrawal.EventDispatch)
		if !ok {
			return w, nil
		}
		if c.Kind != currency.KindFiat && w.TxID == "" {
			return w, nil
		}
		return e.commit(ctx, w, next, withdrawal.EventDispatch)
	})
}

// Success debits the reserved total and moves confirming -> succeed.
// The debit happens before the terminal state is entered; the single
// entry into succeed prevents a double debit, and a failed commit
// restores the reservation so a retry debits exactly once.
func (e *Engine) Success(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, withdrawal.EventSuccess)
		if !ok {
			return w, nil
		}
		if _, err := e.ledger.UnlockAndDebit(ctx, w.AccountID, w.Sum); err != nil {
			return w, fmt.Errorf("engine: debit funds: %w", err)
		}
		updated, err := e.withdrawals.UpdateState(ctx, w.ID, w.State, next)
		if err != nil {
			// The debit already happened. Put the reservation back so a
			// retried Success does not take the sum twice.
			if _, rerr := e.ledger.Relock(ctx, w.AccountID, w.Sum); rerr != nil {
				e.log.Error("restore debited reservation", "withdrawal", w.ID, "err", rerr)
			}
			return w, fmt.Errorf("engine: success: %w", err)
		}
		e.afterTransition(ctx, updated)
		return updated, nil
	})
}

// Audit is the compound review step, atomic per request: accept, then
// process immediately when the fast-path risk check passes and the
// request is coin or escrow-eligible. The lease is held across the
// risk read so two concurrent reviewers cannot both pass against a
// stale rolling sum.
func (e *Engine) Audit(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		if _, ok := withdrawal.Next(w.State, withdrawal.EventAccept); !ok {
			return w, nil
		}

		accepted, err := e.acceptLocked(ctx, w)
		if err != nil {
			return w, err
		}

		if c.Kind != currency.KindCoin && !c.EscrowEligible {
			return accepted, nil
		}
		within, err := e.risk.WithinFastPathLimits(ctx, accepted.MemberID, c, accepted.Sum, e.cfg.Now())
		if err != nil {
			return accepted, fmt.Errorf("engine: audit risk check: %w", err)
		}
		if !within {
			e.log.Info("fast path declined, awaiting manual process",
				"withdrawal", accepted.ID,
				"member", accepted.MemberID,
				"currency", accepted.Currency)
			return accepted, nil
		}
		return e.processLocked(ctx, accepted, c)
	})
}

// Reprocess re-enqueues the settlement job for a processing request
// without changing state. Delivery is at-least-once; workers dedupe on
// the request id.
func (e *Engine) Reprocess(ctx context.Context, id uuid.UUID) error {
	_, err := e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		if w.State != withdrawal.StateProcessing {
			return w, nil
		}
		route, err := e.dispatcher.Dispatch(ctx, w, c)
		if err != nil {
			return w, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		e.log.Info("settlement job re-enqueued", "withdrawal", w.ID, "route", route)
		return w, nil
	})
	return err
}

// AttachTxID records the settlement transaction id reported by a
// worker, validating its shape for the currency's kind.
func (e *Engine) AttachTxID(ctx context.Context, id uuid.UUID, txid string) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		if err := withdrawal.ValidateTxID(c.Kind, txid); err != nil {
			return w, err
		}
		updated, err := e.withdrawals.SetTxID(ctx, w.ID, txid)
		if err != nil {
			return w, fmt.Errorf("engine: attach txid: %w", err)
		}
		e.publishEvent(ctx, updated)
		return updated, nil
	})
}

// RecordBlockNumber records the confirmation block for a coin request.
func (e *Engine) RecordBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		updated, err := e.withdrawals.SetBlockNumber(ctx, w.ID, blockNumber)
		if err != nil {
			return w, fmt.Errorf("engine: record block number: %w", err)
		}
		e.publishEvent(ctx, updated)
		return updated, nil
	})
}

type leasedOp func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error)

func (e *Engine) withLease(ctx context.Context, id uuid.UUID, op leasedOp) (withdrawal.Withdrawal, error) {
	name := leases.ForWithdrawal(id)
	_, ok, err := e.locks.TryAcquire(ctx, name, e.cfg.Owner, e.cfg.LeaseTTL)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("engine: acquire request lease: %w", err)
	}
	if !ok {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: %s", ErrRequestBusy, id)
	}
	defer func() {
		if rerr := e.locks.Release(ctx, name, e.cfg.Owner); rerr != nil {
			e.log.Warn("release request lease", "withdrawal", id, "err", rerr)
		}
	}()

	w, err := e.withdrawals.Get(ctx, id)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	c, err := e.currencies.Get(w.Currency)
	if err != nil {
		return w, fmt.Errorf("engine: %w", err)
	}
	return op(ctx, w, c)
}

func (e *Engine) acceptLocked(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	next, ok := withdrawal.Next(w.State, withdrawal.EventAccept)
	if !ok {
		return w, nil
	}
	return e.commit(ctx, w, next, withdrawal.EventAccept)
}

func (e *Engine) processLocked(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
	next, ok := withdrawal.Next(w.State, withdrawal.EventProcess)
	if !ok {
		return w, nil
	}
	// Route exclusivity is checked before the commit so a coin/escrow
	// mis-setup halts here with the state unchanged.
	if _, err := settlement.Resolve(c); err != nil {
		return w, err
	}
	updated, err := e.commit(ctx, w, next, withdrawal.EventProcess)
	if err != nil {
		return w, err
	}
	route, err := e.dispatcher.Dispatch(ctx, updated, c)
	if err != nil {
		return updated, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	e.log.Info("settlement job enqueued", "withdrawal", updated.ID, "route", route)
	return updated, nil
}

// unlockingTransition covers the events whose only side effect is
// returning the reserved total to the available balance.
func (e *Engine) unlockingTransition(ctx context.Context, id uuid.UUID, ev withdrawal.Event) (withdrawal.Withdrawal, error) {
	return e.withLease(ctx, id, func(ctx context.Context, w withdrawal.Withdrawal, c currency.Currency) (withdrawal.Withdrawal, error) {
		next, ok := withdrawal.Next(w.State, ev)
		if !ok {
			return w, nil
		}
		if _, err := e.ledger.Unlock(ctx, w.AccountID, w.Sum); err != nil {
			return w, fmt.Errorf("engine: unlock funds: %w", err)
		}
		return e.commitAfterUnlock(ctx, w, next, ev)
	})
}

// commitAfterUnlock persists a transition whose reservation was just
// released. A failed commit takes the lock again so a retried call does
// not release the same reservation twice.
func (e *Engine) commitAfterUnlock(ctx context.Context, w withdrawal.Withdrawal, next withdrawal.State, ev withdrawal.Event) (withdrawal.Withdrawal, error) {
	updated, err := e.withdrawals.UpdateState(ctx, w.ID, w.State, next)
	if err != nil {
		if _, lerr := e.ledger.Lock(ctx, w.AccountID, w.Sum); lerr != nil {
			e.log.Error("restore fund reservation", "withdrawal", w.ID, "err", lerr)
		}
		return w, fmt.Errorf("engine: %s: %w", ev, err)
	}
	e.afterTransition(ctx, updated)
	return updated, nil
}

func (e *Engine) commit(ctx context.Context, w withdrawal.Withdrawal, next withdrawal.State, ev withdrawal.Event) (withdrawal.Withdrawal, error) {
	updated, err := e.withdrawals.UpdateState(ctx, w.ID, w.State, next)
	if err != nil {
		return w, fmt.Errorf("engine: %s: %w", ev, err)
	}
	e.afterTransition(ctx, updated)
	return updated, nil
}

// afterTransition fires the post-commit effects: lifecycle event and,
// for terminal states, the archive record. Both are idempotent for
// consumers, so failures are logged and the committed state stands.
func (e *Engine) afterTransition(ctx context.Context, w withdrawal.Withdrawal) {
	e.publishEvent(ctx, w)
	if w.State.Terminal() && e.archiver != nil {
		if err := e.archiver.Archive(ctx, w); err != nil {
			e.log.Error("archive terminal record", "withdrawal", w.ID, "state", w.State, "err", err)
		}
	}
	e.log.Info("withdrawal transition applied", "withdrawal", w.ID, "state", w.State)
}

func (e *Engine) publishEvent(ctx context.Context, w withdrawal.Withdrawal) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, w); err != nil {
		e.log.Warn("publish lifecycle event", "withdrawal", w.ID, "state", w.State, "err", err)
	}
}
