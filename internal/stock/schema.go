package stock

// Schema creates the stock tables. The ledger is append-only: no code path
// updates or deletes stock_ledger rows.
const Schema = `
CREATE TABLE IF NOT EXISTS stock_balances (
    id BIGSERIAL PRIMARY KEY,
    warehouse_id BIGINT NOT NULL,
    item_id BIGINT NOT NULL,
    batch_code TEXT NOT NULL,
    qty NUMERIC(18,3) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_stock_balances_slot UNIQUE (warehouse_id, item_id, batch_code)
);

CREATE TABLE IF NOT EXISTS stock_batches (
    item_id BIGINT NOT NULL,
    batch_code TEXT NOT NULL,
    production_date DATE,
    expiry_date DATE,
    shelf_life_days INT CHECK (shelf_life_days IS NULL OR shelf_life_days >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (item_id, batch_code),
    CONSTRAINT ck_stock_batches_dates CHECK (expiry_date IS NULL OR production_date IS NULL OR expiry_date >= production_date)
);

CREATE TABLE IF NOT EXISTS stock_ledger (
    id BIGSERIAL PRIMARY KEY,
    balance_id BIGINT NOT NULL REFERENCES stock_balances(id),
    warehouse_id BIGINT NOT NULL,
    item_id BIGINT NOT NULL,
    batch_code TEXT NOT NULL,
    reason TEXT NOT NULL CHECK (reason IN ('INBOUND','PICK','PUTAWAY','OUTBOUND_SHIP','COUNT_ADJUST','RETURN')),
    delta NUMERIC(18,3) NOT NULL CHECK (delta <> 0),
    after_qty NUMERIC(18,3) NOT NULL,
    reference TEXT NOT NULL,
    reference_line TEXT NOT NULL,
    trace_id TEXT,
    occurred_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_stock_ledger_idem UNIQUE (reason, reference, reference_line, item_id, batch_code, warehouse_id)
);

CREATE INDEX IF NOT EXISTS idx_stock_ledger_slot ON stock_ledger (warehouse_id, item_id, batch_code, id DESC);
CREATE INDEX IF NOT EXISTS idx_stock_ledger_occurred ON stock_ledger (occurred_at);

CREATE TABLE IF NOT EXISTS stock_ledger_claims (
    reason TEXT NOT NULL,
    reference TEXT NOT NULL,
    reference_line TEXT NOT NULL,
    item_id BIGINT NOT NULL,
    batch_code TEXT NOT NULL,
    warehouse_id BIGINT NOT NULL,
    claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (reason, reference, reference_line, item_id, batch_code, warehouse_id)
);

CREATE TABLE IF NOT EXISTS stock_snapshots (
    snapshot_date DATE NOT NULL,
    warehouse_id BIGINT NOT NULL,
    item_id BIGINT NOT NULL,
    batch_code TEXT NOT NULL,
    qty NUMERIC(18,3) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (snapshot_date, warehouse_id, item_id, batch_code)
);

CREATE OR REPLACE VIEW stock_on_hand AS
SELECT warehouse_id, item_id, SUM(qty) AS qty_on_hand
FROM stock_balances
GROUP BY warehouse_id, item_id;

CREATE TABLE IF NOT EXISTS audit_logs (
    id BIGSERIAL PRIMARY KEY,
    actor_id BIGINT,
    action TEXT NOT NULL,
    entity TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    meta JSONB NOT NULL DEFAULT '{}'::jsonb,
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
