package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdrawals (
	id            UUID PRIMARY KEY,
	tid           TEXT NOT NULL,
	rid           TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	member_id     TEXT NOT NULL,
	currency      TEXT NOT NULL,
	amount        NUMERIC NOT NULL CHECK (amount >= 0),
	fee           NUMERIC NOT NULL CHECK (fee >= 0),
	total_sum     NUMERIC NOT NULL CHECK (total_sum >= 0),
	txid          TEXT,
	block_number  BIGINT CHECK (block_number IS NULL OR block_number >= 0),
	state         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS withdrawals_tid_key
	ON withdrawals (tid);

CREATE UNIQUE INDEX IF NOT EXISTS withdrawals_currency_txid_key
	ON withdrawals (currency, txid)
	WHERE txid IS NOT NULL;

CREATE INDEX IF NOT EXISTS withdrawals_member_window_idx
	ON withdrawals (member_id, currency, state, created_at);

CREATE INDEX IF NOT EXISTS withdrawals_state_idx
	ON withdrawals (state);
`
