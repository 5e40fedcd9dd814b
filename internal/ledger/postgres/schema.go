package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_balances (
	account_id  TEXT PRIMARY KEY,
	available   NUMERIC NOT NULL DEFAULT 0 CHECK (available >= 0),
	locked      NUMERIC NOT NULL DEFAULT 0 CHECK (locked >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
