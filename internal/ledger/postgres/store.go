package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// Store keeps one row per account. The conditional single-row UPDATE is the
// atomicity boundary: a guard that no longer holds matches zero rows and the
// balance is untouched.
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
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, accountID string) (ledger.Balance, error) {
	if s == nil || s.pool == nil {
		return ledger.Balance{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return ledger.Balance{}, fmt.Errorf("%w: missing account id", ledger.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT account_id, available::text, locked::text
		FROM account_balances
		WHERE account_id = $1
	`, accountID)
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, accountID)
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: get: %w", err)
	}
	return b, nil
}

func (s *Store) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.check(accountID, amount); err != nil {
		return ledger.Balance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO account_balances (account_id, available, locked)
		VALUES ($1, $2::numeric, 0)
		ON CONFLICT (account_id) DO UPDATE
		SET available = account_balances.available + EXCLUDED.available,
			updated_at = now()
		RETURNING account_id, available::text, locked::text
	`, accountID, amount.String())
	b, err := scanBalance(row)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: deposit: %w", err)
	}
	return b, nil
}

func (s *Store) Lock(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.check(accountID, amount); err != nil {
		return ledger.Balance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE account_balances
		SET available = available - $2::numeric,
			locked = locked + $2::numeric,
			updated_at = now()
		WHERE account_id = $1 AND available >= $2::numeric
		RETURNING account_id, available::text, locked::text
	`, accountID, amount.String())
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, s.explainGuardFailure(ctx, accountID, ledger.ErrInsufficientFunds)
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: lock: %w", err)
	}
	return b, nil
}

func (s *Store) Unlock(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.check(accountID, amount); err != nil {
		return ledger.Balance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE account_balances
		SET locked = locked - $2::numeric,
			available = available + $2::numeric,
			updated_at = now()
		WHERE account_id = $1 AND locked >= $2::numeric
		RETURNING account_id, available::text, locked::text
	`, accountID, amount.String())
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, s.explainGuardFailure(ctx, accountID, ledger.ErrInvalidReservation)
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: unlock: %w", err)
	}
	return b, nil
}

func (s *Store) UnlockAndDebit(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.check(accountID, amount); err != nil {
		return ledger.Balance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE account_balances
		SET locked = locked - $2::numeric,
			updated_at = now()
		WHERE account_id = $1 AND locked >= $2::numeric
		RETURNING account_id, available::text, locked::text
	`, accountID, amount.String())
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, s.explainGuardFailure(ctx, accountID, ledger.ErrInvalidReservation)
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: unlock and debit: %w", err)
	}
	return b, nil
}

func (s *Store) Relock(ctx context.Context, accountID string, amount decimal.Decimal) (ledger.Balance, error) {
	if err := s.check(accountID, amount); err != nil {
		return ledger.Balance{}, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE account_balances
		SET locked = locked + $2::numeric,
			updated_at = now()
		WHERE account_id = $1
		RETURNING account_id, available::text, locked::text
	`, accountID, amount.String())
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, accountID)
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: relock: %w", err)
	}
	return b, nil
}

func (s *Store) check(accountID string, amount decimal.Decimal) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if accountID == "" {
		return fmt.Errorf("%w: missing account id", ledger.ErrInvalidInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ledger.ErrInvalidInput)
	}
	return nil
}

func (s *Store) explainGuardFailure(ctx context.Context, accountID string, guardErr error) error {
	if _, err := s.Get(ctx, accountID); err != nil {
		return err
	}
	return guardErr
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var (
		accountID    string
		availableRaw string
		lockedRaw    string
	)
	if err := row.Scan(&accountID, &availableRaw, &lockedRaw); err != nil {
		return ledger.Balance{}, err
	}

	available, err := decimal.NewFromString(availableRaw)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("parse available: %w", err)
	}
	locked, err := decimal.NewFromString(lockedRaw)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("parse locked: %w", err)
	}
	return ledger.Balance{AccountID: accountID, Available: available, Locked: locked}, nil
}
