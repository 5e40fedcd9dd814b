// Package event fixes the call contract toward external eventing and
// mailing systems. The engine emits a lifecycle payload on every applied
// transition; consumers deduplicate on the event id.
package event

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/opencustody/custody-core/internal/currency"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("event: invalid config")

// Payload is the wire form of a withdrawal lifecycle event. Monetary
// fields are fixed-point decimal strings, timestamps RFC 3339, and the
// nullable fields stay null until the underlying value exists.
type Payload struct {
	TID            string  `json:"tid"`
	UID            string  `json:"uid"`
	RID            string  `json:"rid"`
	Currency       string  `json:"currency"`
	Amount         string  `json:"amount"`
	Fee            string  `json:"fee"`
	State          string  `json:"state"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at"`
	BlockchainTxID *string `json:"blockchain_txid"`
}

// NewPayload renders a withdrawal into its event wire form.
func NewPayload(w withdrawal.Withdrawal) Payload {
	p := Payload{
		TID:       w.TID,
		UID:       w.MemberID,
		RID:       w.RID,
		Currency:  w.Currency,
		Amount:    w.Amount.String(),
		Fee:       w.Fee.String(),
		State:     w.State.String(),
		CreatedAt: w.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: w.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if w.CompletedAt != nil {
		s := w.CompletedAt.UTC().Format(time.RFC3339)
		p.CompletedAt = &s
	}
	if w.TxID != "" {
		txid := w.TxID
		p.BlockchainTxID = &txid
	}
	return p
}

// IDV1 derives the deduplication id for one (withdrawal, state) pair.
// It is stable across redeliveries, so at-least-once transports stay
// effectively exactly-once for well-behaved consumers.
func IDV1(tid string, state withdrawal.State) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("withdrawal-event"))
	h.Write([]byte(tid))
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(state))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return "we" + hex.EncodeToString(sum[:10])
}

type producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

// Publisher emits lifecycle events to the external eventing stream.
type Publisher struct {
	topic    string
	producer producer
}

func NewPublisher(topic string, p producer) (*Publisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	return &Publisher{topic: topic, producer: p}, nil
}

// Publish renders and emits one lifecycle event, keyed by tid so all
// events for one withdrawal land on the same partition in order.
func (p *Publisher) Publish(ctx context.Context, w withdrawal.Withdrawal) error {
	envelope := struct {
		ID      string  `json:"id"`
		Payload Payload `json:"payload"`
	}{
		ID:      IDV1(w.TID, w.State),
		Payload: NewPayload(w),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("event: marshal payload: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(w.TID), raw); err != nil {
		return fmt.Errorf("event: publish: %w", err)
	}
	return nil
}

// Template names the outbound mail framing. Content lives with the
// external mailer; we only pick which one fires.
type Template string

const (
	TemplateAccepted       Template = "withdraw_accepted"
	TemplateEscrowReleased Template = "withdraw_escrow_released"
)

// TemplateFor picks the notification framing for a newly submitted
// withdrawal: escrow-eligible fiat gets the "escrow released" framing,
// everything else the plain acceptance.
func TemplateFor(c currency.Currency) Template {
	if c.Kind == currency.KindFiat && c.EscrowEligible {
		return TemplateEscrowReleased
	}
	return TemplateAccepted
}

// Notifier is the outbound mail trigger port. The engine fires it once
// when a withdrawal enters submitted.
type Notifier interface {
	Notify(ctx context.Context, template Template, p Payload) error
}

// NopNotifier discards notifications. Used when no mailer is wired.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Template, Payload) error { return nil }
