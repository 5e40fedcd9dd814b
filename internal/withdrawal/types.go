package withdrawal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/opencustody/custody-core/internal/currency"
)

var (
	ErrValidation = errors.New("withdrawal: validation")
)

// State is the lifecycle position of a withdrawal request.
type State uint8

const (
	StateUnknown State = iota
	StatePrepared
	StateSubmitted
	StateAccepted
	StateSuspected
	StateRejected
	StateProcessing
	StateConfirming
	StateSucceed
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateSubmitted:
		return "submitted"
	case StateAccepted:
		return "accepted"
	case StateSuspected:
		return "suspected"
	case StateRejected:
		return "rejected"
	case StateProcessing:
		return "processing"
	case StateConfirming:
		return "confirming"
	case StateSucceed:
		return "succeed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether s admits no further transitions. CompletedAt is
// set exactly when a withdrawal enters a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceed, StateRejected, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

func ParseState(v string) (State, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "prepared":
		return StatePrepared, nil
	case "submitted":
		return StateSubmitted, nil
	case "accepted":
		return StateAccepted, nil
	case "suspected":
		return StateSuspected, nil
	case "rejected":
		return StateRejected, nil
	case "processing":
		return StateProcessing, nil
	case "confirming":
		return StateConfirming, nil
	case "succeed":
		return StateSucceed, nil
	case "canceled":
		return StateCanceled, nil
	case "failed":
		return StateFailed, nil
	default:
		return StateUnknown, fmt.Errorf("withdrawal: unknown state %q", v)
	}
}

// Event is a requested lifecycle transition.
type Event uint8

const (
	EventUnknown Event = iota
	EventSubmit
	EventCancel
	EventSuspect
	EventAccept
	EventReject
	EventProcess
	EventLoad
	EventDispatch
	EventSuccess
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventSubmit:
		return "submit"
	case EventCancel:
		return "cancel"
	case EventSuspect:
		return "suspect"
	case EventAccept:
		return "accept"
	case EventReject:
		return "reject"
	case EventProcess:
		return "process"
	case EventLoad:
		return "load"
	case EventDispatch:
		return "dispatch"
	case EventSuccess:
		return "success"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

func ParseEvent(v string) (Event, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "submit":
		return EventSubmit, nil
	case "cancel":
		return EventCancel, nil
	case "suspect":
		return EventSuspect, nil
	case "accept":
		return EventAccept, nil
	case "reject":
		return EventReject, nil
	case "process":
		return EventProcess, nil
	case "load":
		return EventLoad, nil
	case "dispatch":
		return EventDispatch, nil
	case "success":
		return EventSuccess, nil
	case "fail":
		return EventFail, nil
	default:
		return EventUnknown, fmt.Errorf("withdrawal: unknown event %q", v)
	}
}

type stateEvent struct {
	from  State
	event Event
}

// transitions is the full guarded-transition table. Guards that depend on
// request data (txid presence, asset kind) live with the engine; this table
// only answers which (state, event) pairs are defined and where they land.
var transitions = map[stateEvent]State{
	{StatePrepared, EventSubmit}:     StateSubmitted,
	{StatePrepared, EventCancel}:     StateCanceled,
	{StateSubmitted, EventCancel}:    StateCanceled,
	{StateSubmitted, EventSuspect}:   StateSuspected,
	{StateSubmitted, EventAccept}:    StateAccepted,
	{StateSubmitted, EventReject}:    StateRejected,
	{StateAccepted, EventCancel}:     StateCanceled,
	{StateAccepted, EventReject}:     StateRejected,
	{StateAccepted, EventProcess}:    StateProcessing,
	{StateAccepted, EventLoad}:       StateConfirming,
	{StateProcessing, EventDispatch}: StateConfirming,
	{StateProcessing, EventFail}:     StateFailed,
	{StateConfirming, EventSuccess}:  StateSucceed,
	{StateConfirming, EventReject}:   StateRejected,
	{StateConfirming, EventFail}:     StateFailed,
}

// Next resolves the transition table. ok=false means the event is not
// defined from the given state; callers treat that as a silent no-op and
// must check the resulting state rather than assume the event fired.
func Next(from State, event Event) (State, bool) {
	to, ok := transitions[stateEvent{from, event}]
	return to, ok
}

// Withdrawal is one immutable-identity, state-mutable withdrawal request.
//
// AccountID, MemberID, and Currency are references to externally-owned
// entities; the request never owns them.
type Withdrawal struct {
	ID  uuid.UUID
	TID string

	// RID is the recipient identifier: a blockchain address for coin
	// withdrawals, a beneficiary reference for fiat.
	RID string

	AccountID string
	MemberID  string
	Currency  string

	Amount decimal.Decimal
	Fee    decimal.Decimal
	// Sum is the debited total, amount + fee.
	Sum decimal.Decimal

	// TxID is the settlement transaction id reported by a worker;
	// unique per currency when present.
	TxID        string
	BlockNumber *uint64

	State State

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Validate checks a request against creation invariants and the currency's
// withdrawal policy. A request failing validation is never persisted.
func Validate(w Withdrawal, c currency.Currency) error {
	if w.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if strings.TrimSpace(w.TID) == "" {
		return fmt.Errorf("%w: missing tid", ErrValidation)
	}
	if strings.TrimSpace(w.RID) == "" {
		return fmt.Errorf("%w: missing rid", ErrValidation)
	}
	if strings.TrimSpace(w.AccountID) == "" || strings.TrimSpace(w.MemberID) == "" {
		return fmt.Errorf("%w: missing account or member reference", ErrValidation)
	}
	if !strings.EqualFold(strings.TrimSpace(w.Currency), c.Code) {
		return fmt.Errorf("%w: currency mismatch: %q vs %q", ErrValidation, w.Currency, c.Code)
	}
	if w.State != StatePrepared {
		return fmt.Errorf("%w: new request must be prepared, got %s", ErrValidation, w.State)
	}
	if w.Amount.IsNegative() || w.Fee.IsNegative() {
		return fmt.Errorf("%w: negative amount or fee", ErrValidation)
	}
	if !w.Sum.Equal(w.Amount.Add(w.Fee)) {
		return fmt.Errorf("%w: sum must equal amount + fee", ErrValidation)
	}
	if w.Sum.LessThan(c.MinWithdrawAmount) {
		return fmt.Errorf("%w: sum %s below currency minimum %s", ErrValidation, w.Sum, c.MinWithdrawAmount)
	}
	if w.TxID != "" {
		if err := ValidateTxID(c.Kind, w.TxID); err != nil {
			return err
		}
	}
	if w.CompletedAt != nil {
		return fmt.Errorf("%w: completedAt set on non-terminal request", ErrValidation)
	}
	return nil
}

// ValidateTxID checks the settlement transaction id format. Coin rails
// report a 32-byte transaction hash; fiat rails report an opaque reference.
func ValidateTxID(kind currency.Kind, txid string) error {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return fmt.Errorf("%w: empty txid", ErrValidation)
	}
	if kind != currency.KindCoin {
		return nil
	}

	raw := txid
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: bad coin txid %q: %v", ErrValidation, txid, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("%w: coin txid must be 32 bytes, got %d", ErrValidation, len(b))
	}
	return nil
}

const tidPrefixV1 = "withdrawal"

// TIDV1 computes the canonical internal transaction id:
//
//	tid = "wd" || hex(keccak256("withdrawal" || id || createdAtUnixBE64))[:20]
//
// Deterministic so retried creations of the same request reuse one tid.
func TIDV1(id uuid.UUID, createdAt time.Time) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(tidPrefixV1))
	_, _ = h.Write(id[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UTC().Unix()))
	_, _ = h.Write(ts[:])

	sum := h.Sum(nil)
	return "wd" + hexutil.Encode(sum[:10])[2:]
}
