package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opencustody/custody-core/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("withdrawal/postgres: invalid config")

const selectColumns = `
	id::text, tid, rid, account_id, member_id, currency,
	amount::text, fee::text, total_sum::text,
	txid, block_number, state, created_at, updated_at, completed_at
`

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
		return fmt.Errorf("withdrawal/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, w withdrawal.Withdrawal) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if w.ID == uuid.Nil || strings.TrimSpace(w.TID) == "" {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: missing id or tid", withdrawal.ErrInvalidInput)
	}
	if w.State != withdrawal.StatePrepared {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: create requires prepared state", withdrawal.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO withdrawals (
			id, tid, rid, account_id, member_id, currency,
			amount, fee, total_sum, txid, state
		) VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10,$11)
		RETURNING `+selectColumns,
		w.ID.String(), w.TID, w.RID, w.AccountID, w.MemberID, strings.ToLower(w.Currency),
		w.Amount.String(), w.Fee.String(), w.Sum.String(), nullableText(w.TxID), w.State.String(),
	)
	out, err := scanWithdrawal(row)
	if err != nil {
		return withdrawal.Withdrawal{}, mapConstraintErr(err, "insert")
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM withdrawals WHERE id = $1`, id.String())
	out, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return withdrawal.Withdrawal{}, withdrawal.ErrNotFound
	}
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal/postgres: get: %w", err)
	}
	return out, nil
}

func (s *Store) GetByTID(ctx context.Context, tid string) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM withdrawals WHERE tid = $1`, tid)
	out, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return withdrawal.Withdrawal{}, withdrawal.ErrNotFound
	}
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal/postgres: get by tid: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, from, to withdrawal.State) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET state = $3,
			updated_at = now(),
			completed_at = CASE
				WHEN $4::boolean AND completed_at IS NULL THEN now()
				ELSE completed_at
			END
		WHERE id = $1 AND state = $2
		RETURNING `+selectColumns,
		id.String(), from.String(), to.String(), to.Terminal(),
	)
	out, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return withdrawal.Withdrawal{}, s.explainStaleState(ctx, id, from)
	}
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal/postgres: update state: %w", err)
	}
	return out, nil
}

// explainStaleState distinguishes missing rows, terminal rows, and plain
// CAS losses after a zero-row state update.
func (s *Store) explainStaleState(ctx context.Context, id uuid.UUID, from withdrawal.State) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.State.Terminal() {
		return withdrawal.ErrTerminalState
	}
	return fmt.Errorf("%w: at %s, expected %s", withdrawal.ErrStaleState, cur.State, from)
}

func (s *Store) SetTxID(ctx context.Context, id uuid.UUID, txid string) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: empty txid", withdrawal.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET txid = $2, updated_at = now()
		WHERE id = $1 AND (txid IS NULL OR txid = $2)
		RETURNING `+selectColumns,
		id.String(), txid,
	)
	out, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return withdrawal.Withdrawal{}, gerr
		}
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: txid already set", withdrawal.ErrInvalidInput)
	}
	if err != nil {
		return withdrawal.Withdrawal{}, mapConstraintErr(err, "set txid")
	}
	return out, nil
}

func (s *Store) SetBlockNumber(ctx context.Context, id uuid.UUID, blockNumber uint64) (withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET block_number = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+selectColumns,
		id.String(), int64(blockNumber),
	)
	out, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return withdrawal.Withdrawal{}, withdrawal.ErrNotFound
	}
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("withdrawal/postgres: set block number: %w", err)
	}
	return out, nil
}

func (s *Store) SumInWindows(ctx context.Context, memberID, currencyCode string, states []withdrawal.State, shortSince, longSince time.Time) (withdrawal.WindowSums, error) {
	if s == nil || s.pool == nil {
		return withdrawal.WindowSums{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if memberID == "" || currencyCode == "" || len(states) == 0 {
		return withdrawal.WindowSums{}, withdrawal.ErrInvalidInput
	}

	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, st.String())
	}

	// One statement, so both windows see the same snapshot.
	var shortRaw, longRaw string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(total_sum) FILTER (WHERE created_at >= $4), 0)::text,
			COALESCE(SUM(total_sum) FILTER (WHERE created_at >= $5), 0)::text
		FROM withdrawals
		WHERE member_id = $1
			AND currency = $2
			AND state = ANY($3)
			AND created_at >= LEAST($4::timestamptz, $5::timestamptz)
	`, memberID, strings.ToLower(currencyCode), names, shortSince, longSince).Scan(&shortRaw, &longRaw)
	if err != nil {
		return withdrawal.WindowSums{}, fmt.Errorf("withdrawal/postgres: sum in windows: %w", err)
	}

	short, err := decimal.NewFromString(shortRaw)
	if err != nil {
		return withdrawal.WindowSums{}, fmt.Errorf("withdrawal/postgres: parse short window sum %q: %w", shortRaw, err)
	}
	long, err := decimal.NewFromString(longRaw)
	if err != nil {
		return withdrawal.WindowSums{}, fmt.Errorf("withdrawal/postgres: parse long window sum %q: %w", longRaw, err)
	}
	return withdrawal.WindowSums{Short: short, Long: long}, nil
}

func (s *Store) ListByState(ctx context.Context, state withdrawal.State) ([]withdrawal.Withdrawal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM withdrawals
		WHERE state = $1
		ORDER BY created_at ASC, id ASC
	`, state.String())
	if err != nil {
		return nil, fmt.Errorf("withdrawal/postgres: list by state: %w", err)
	}
	defer rows.Close()

	var out []withdrawal.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("withdrawal/postgres: scan row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("withdrawal/postgres: iterate rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (withdrawal.Withdrawal, error) {
	var (
		idRaw       string
		tid         string
		rid         string
		accountID   string
		memberID    string
		curr        string
		amountRaw   string
		feeRaw      string
		sumRaw      string
		txid        *string
		blockNumber *int64
		stateRaw    string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt *time.Time
	)
	if err := row.Scan(
		&idRaw, &tid, &rid, &accountID, &memberID, &curr,
		&amountRaw, &feeRaw, &sumRaw,
		&txid, &blockNumber, &stateRaw, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return withdrawal.Withdrawal{}, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("parse id: %w", err)
	}
	state, err := withdrawal.ParseState(stateRaw)
	if err != nil {
		return withdrawal.Withdrawal{}, err
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	fee, err := decimal.NewFromString(feeRaw)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("parse fee: %w", err)
	}
	sum, err := decimal.NewFromString(sumRaw)
	if err != nil {
		return withdrawal.Withdrawal{}, fmt.Errorf("parse sum: %w", err)
	}

	w := withdrawal.Withdrawal{
		ID:        id,
		TID:       tid,
		RID:       rid,
		AccountID: accountID,
		MemberID:  memberID,
		Currency:  curr,
		Amount:    amount,
		Fee:       fee,
		Sum:       sum,
		State:     state,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if txid != nil {
		w.TxID = *txid
	}
	if blockNumber != nil {
		if *blockNumber < 0 {
			return withdrawal.Withdrawal{}, fmt.Errorf("negative block number in db")
		}
		bn := uint64(*blockNumber)
		w.BlockNumber = &bn
	}
	if completedAt != nil {
		at := completedAt.UTC()
		w.CompletedAt = &at
	}
	return w, nil
}

func nullableText(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func mapConstraintErr(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "withdrawals_pkey":
			return withdrawal.ErrDuplicateID
		case "withdrawals_tid_key":
			return withdrawal.ErrDuplicateTID
		case "withdrawals_currency_txid_key":
			return withdrawal.ErrDuplicateTxID
		}
	}
	return fmt.Errorf("withdrawal/postgres: %s: %w", op, err)
}
