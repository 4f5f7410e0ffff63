package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

type txRepository struct {
	tx pgx.Tx
}

const idempotencyWhere = `reason = $1 AND reference = $2 AND reference_line = $3 AND item_id = $4 AND batch_code = $5 AND warehouse_id = $6`

const ledgerColumns = `id, balance_id, warehouse_id, item_id, batch_code, reason, delta, after_qty, reference, reference_line, COALESCE(trace_id, ''), occurred_at, created_at`

const listSlotsSQL = `SELECT b.id, b.batch_code, b.qty, sb.expiry_date
FROM stock_balances b
LEFT JOIN stock_batches sb ON sb.item_id = b.item_id AND sb.batch_code = b.batch_code
WHERE b.warehouse_id = $1 AND b.item_id = $2 AND b.qty > 0
ORDER BY b.id`

const historySQL = `SELECT ` + ledgerColumns + `
FROM stock_ledger
WHERE warehouse_id = $1 AND item_id = $2 AND batch_code = $3
  AND occurred_at >= COALESCE($4::timestamptz, '-infinity')
  AND occurred_at < COALESCE($5::timestamptz, 'infinity')
ORDER BY id DESC
LIMIT $6`

const slotTotalsSQL = `WITH l AS (
  SELECT warehouse_id, item_id, batch_code, SUM(delta) AS sum_delta, COUNT(*) AS entries,
    (ARRAY_AGG(after_qty ORDER BY id DESC))[1] AS latest_after
  FROM stock_ledger
  WHERE ($1::bigint = 0 OR warehouse_id = $1) AND ($2::bigint = 0 OR item_id = $2)
  GROUP BY warehouse_id, item_id, batch_code
), b AS (
  SELECT warehouse_id, item_id, batch_code, qty
  FROM stock_balances
  WHERE ($1::bigint = 0 OR warehouse_id = $1) AND ($2::bigint = 0 OR item_id = $2)
)
SELECT COALESCE(b.warehouse_id, l.warehouse_id), COALESCE(b.item_id, l.item_id), COALESCE(b.batch_code, l.batch_code),
  COALESCE(l.sum_delta, 0), COALESCE(l.entries, 0), COALESCE(l.latest_after, 0), COALESCE(b.qty, 0)
FROM b
FULL OUTER JOIN l ON l.warehouse_id = b.warehouse_id AND l.item_id = b.item_id AND l.batch_code = b.batch_code
ORDER BY 1, 2, 3`

const entriesByReferenceSQL = `SELECT ` + ledgerColumns + `
FROM stock_ledger
WHERE reason = $1 AND reference = $2 AND warehouse_id = $3 AND item_id = $4
ORDER BY id`

const ledgerCutSQL = `SELECT warehouse_id, item_id, batch_code, SUM(delta)
FROM stock_ledger
WHERE occurred_at < $1
  AND ($2::bigint = 0 OR warehouse_id = $2) AND ($3::bigint = 0 OR item_id = $3)
GROUP BY warehouse_id, item_id, batch_code`

const snapshotRowsSQL = `SELECT warehouse_id, item_id, batch_code, qty
FROM stock_snapshots
WHERE snapshot_date = $1
  AND ($2::bigint = 0 OR warehouse_id = $2) AND ($3::bigint = 0 OR item_id = $3)`

const rebuildSnapshotSQL = `INSERT INTO stock_snapshots (snapshot_date, warehouse_id, item_id, batch_code, qty)
SELECT $1::date, warehouse_id, item_id, batch_code, SUM(delta)
FROM stock_ledger
WHERE occurred_at < $2
GROUP BY warehouse_id, item_id, batch_code
HAVING SUM(delta) <> 0`

func (r *txRepository) ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error) {
	var one int
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger_claims (reason, reference, reference_line, item_id, batch_code, warehouse_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT DO NOTHING
RETURNING 1`, string(key.Reason), key.Reference, key.ReferenceLine, key.Key.ItemID, key.Key.BatchCode, key.Key.WarehouseID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stock: claim idempotency: %w", db.Classify(err))
	}
	return true, nil
}

func (r *txRepository) FindEntry(ctx context.Context, key IdempotencyKey) (LedgerEntry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM stock_ledger WHERE `+idempotencyWhere,
		string(key.Reason), key.Reference, key.ReferenceLine, key.Key.ItemID, key.Key.BatchCode, key.Key.WarehouseID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, ErrEntryNotFound
	}
	return entry, err
}

func (r *txRepository) EnsureBatch(ctx context.Context, batch Batch) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_batches (item_id, batch_code, production_date, expiry_date, shelf_life_days)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id, batch_code) DO NOTHING`,
		batch.ItemID, batch.BatchCode, batch.ProductionDate, batch.ExpiryDate, batch.ShelfLifeDays)
	if err != nil {
		return fmt.Errorf("stock: ensure batch: %w", db.Classify(err))
	}
	return nil
}

func (r *txRepository) GetOrCreateForUpdate(ctx context.Context, key Key) (Balance, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (warehouse_id, item_id, batch_code, qty)
VALUES ($1, $2, $3, 0)
ON CONFLICT (warehouse_id, item_id, batch_code) DO NOTHING`, key.WarehouseID, key.ItemID, key.BatchCode); err != nil {
		return Balance{}, fmt.Errorf("stock: create balance: %w", db.Classify(err))
	}
	bal := Balance{Key: key}
	err := r.tx.QueryRow(ctx, `SELECT id, qty, updated_at FROM stock_balances
WHERE warehouse_id = $1 AND item_id = $2 AND batch_code = $3
FOR UPDATE`, key.WarehouseID, key.ItemID, key.BatchCode).Scan(&bal.ID, &bal.Quantity, &bal.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("stock: lock balance: %w", db.Classify(err))
	}
	return bal, nil
}

func (r *txRepository) SetQuantity(ctx context.Context, balanceID int64, qty decimal.Decimal, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_balances SET qty = $2, updated_at = $3 WHERE id = $1`, balanceID, qty, at)
	if err != nil {
		return fmt.Errorf("stock: update balance: %w", db.Classify(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("stock: balance %d not found", balanceID)
	}
	return nil
}

func (r *txRepository) AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (balance_id, warehouse_id, item_id, batch_code, reason, delta, after_qty, reference, reference_line, trace_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
RETURNING id, created_at`,
		entry.BalanceID, entry.Key.WarehouseID, entry.Key.ItemID, entry.Key.BatchCode, string(entry.Reason),
		entry.Delta, entry.AfterQuantity, entry.Reference, entry.ReferenceLine, entry.TraceID, entry.OccurredAt,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("stock: append ledger: %w", db.Classify(err))
	}
	return entry, nil
}

func (r *txRepository) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if err := shared.NewAuditLogger(r.tx).Record(ctx, log); err != nil {
		return fmt.Errorf("stock: record audit: %w", db.Classify(err))
	}
	return nil
}

func scanEntry(row pgx.Row) (LedgerEntry, error) {
	var e LedgerEntry
	var reason string
	err := row.Scan(&e.ID, &e.BalanceID, &e.Key.WarehouseID, &e.Key.ItemID, &e.Key.BatchCode, &reason,
		&e.Delta, &e.AfterQuantity, &e.Reference, &e.ReferenceLine, &e.TraceID, &e.OccurredAt, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, err
		}
		return LedgerEntry{}, fmt.Errorf("stock: scan ledger entry: %w", err)
	}
	e.Reason = Reason(reason)
	return e, nil
}
