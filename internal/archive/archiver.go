package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencustody/custody-core/internal/event"
	"github.com/opencustody/custody-core/internal/withdrawal"
)

// Archiver writes one lifecycle record per terminal withdrawal. Writes
// are idempotent: a redelivered terminal transition finds the record
// already present and leaves it untouched.
type Archiver struct {
	store Store
}

func NewArchiver(store Store) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Archiver{store: store}, nil
}

// Key is the blob key for one withdrawal's record in a given state.
func Key(w withdrawal.Withdrawal) string {
	return "withdrawals/" + w.ID.String() + "/lifecycle/" + w.State.String() + ".json"
}

// Archive persists the withdrawal's event payload. Non-terminal states
// are rejected; only completed requests enter the trail.
func (a *Archiver) Archive(ctx context.Context, w withdrawal.Withdrawal) error {
	if !w.State.Terminal() {
		return fmt.Errorf("%w: state %s is not terminal", ErrInvalidKey, w.State)
	}

	key := Key(w)
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("archive: check %q: %w", key, err)
	}
	if ok {
		return nil
	}

	payload, err := json.Marshal(event.NewPayload(w))
	if err != nil {
		return fmt.Errorf("archive: marshal %q: %w", key, err)
	}

	return a.store.Put(ctx, key, payload, PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"tid":   w.TID,
			"state": w.State.String(),
		},
	})
}
