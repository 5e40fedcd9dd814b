package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencustody/custody-core/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

const (
	acquireSQL = `
		INSERT INTO request_leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE request_leases.expires_at <= now()
		RETURNING owner, expires_at`

	renewSQL = `
		UPDATE request_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at`

	releaseSQL = `DELETE FROM request_leases WHERE name = $1 AND owner = $2`

	getSQL = `SELECT owner, expires_at FROM request_leases WHERE name = $1`
)

// Store keeps leases in Postgres so every engine instance sees the same
// audit locks. The conditional upsert in acquireSQL makes exactly one
// caller win a contested name, even across processes.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := checkArgs(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := s.scanLease(ctx, name, acquireSQL, name, owner, ttlMillis(ttl))
	switch {
	case err == nil:
		return l, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Lost the race; report the live holder.
		held, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return held, false, nil
	default:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := checkArgs(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := s.scanLease(ctx, name, renewSQL, name, owner, ttlMillis(ttl))
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}

	// No row updated: either the lease is gone or another owner holds it.
	held, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return leases.Lease{}, false, leases.ErrNotFound
	case gerr != nil:
		return leases.Lease{}, false, gerr
	case held.Owner != owner:
		return leases.Lease{}, false, leases.ErrNotOwner
	default:
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: unexpected no rows")
	}
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, releaseSQL, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Releasing an absent lease is fine; releasing someone else's is not.
	held, gerr := s.Get(ctx, name)
	switch {
	case errors.Is(gerr, leases.ErrNotFound):
		return nil
	case gerr != nil:
		return gerr
	case held.Owner != owner:
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := s.ready(); err != nil {
		return leases.Lease{}, err
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l, err := s.scanLease(ctx, name, getSQL, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}

func (s *Store) scanLease(ctx context.Context, name, query string, args ...any) (leases.Lease, error) {
	var (
		owner     string
		expiresAt time.Time
	)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&owner, &expiresAt); err != nil {
		return leases.Lease{}, err
	}
	return leases.Lease{Name: name, Owner: owner, ExpiresAt: expiresAt}, nil
}

func (s *Store) ready() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func checkArgs(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
