package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS capital_ledgers (
	id TEXT PRIMARY KEY,
	cash_in_hand NUMERIC(18,2) NOT NULL DEFAULT 0,
	total_stock_value NUMERIC(18,2) NOT NULL DEFAULT 0,
	total_investment NUMERIC(18,2) NOT NULL DEFAULT 0,
	total_profit NUMERIC(18,2) NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	recent_events JSONB NOT NULL DEFAULT '[]'::jsonb,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stock_items (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL CHECK (channel IN ('retail', 'wholesale')),
	sku TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	unit_price NUMERIC(24,8) NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
	units_per_pack INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (channel, sku)
);

CREATE TABLE IF NOT EXISTS stock_entries (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL REFERENCES stock_items(id),
	channel TEXT NOT NULL,
	sku TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	unit_price NUMERIC(18,2) NOT NULL,
	total_value NUMERIC(18,2) NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sales (
	id TEXT PRIMARY KEY,
	customer_id TEXT REFERENCES customers(id) ON DELETE SET NULL,
	item_id TEXT NOT NULL REFERENCES stock_items(id),
	channel TEXT NOT NULL,
	sku TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	unit_price NUMERIC(18,2) NOT NULL,
	cost_value NUMERIC(18,2) NOT NULL,
	amount NUMERIC(18,2) NOT NULL,
	net_profit NUMERIC(18,2) NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sales_created_at_idx ON sales (created_at DESC);

-- item prices hold a weighted average cost
ALTER TABLE stock_items ALTER COLUMN unit_price TYPE NUMERIC(24,8);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	actor_username TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
