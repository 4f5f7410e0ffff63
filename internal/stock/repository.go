package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// TxRepository exposes the write path used by the engine. Every method runs in
// the transaction opened by Repository.WithTx.
type TxRepository interface {
	// ClaimIdempotency reserves the tuple. It returns false when the tuple was
	// already claimed by a committed adjustment.
	ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error)
	// FindEntry loads the ledger entry recorded for the tuple.
	FindEntry(ctx context.Context, key IdempotencyKey) (LedgerEntry, error)
	// EnsureBatch materializes batch metadata unless it already exists.
	EnsureBatch(ctx context.Context, batch Batch) error
	// GetOrCreateForUpdate locks the slot row, creating it with zero quantity.
	GetOrCreateForUpdate(ctx context.Context, key Key) (Balance, error)
	// SetQuantity writes the quantity of a locked slot.
	SetQuantity(ctx context.Context, balanceID int64, qty decimal.Decimal, at time.Time) error
	// AppendEntry appends one ledger entry and returns it with its id.
	AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	// RecordAudit writes an audit row that commits with the adjustment.
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// RepositoryConfig groups optional settings.
type RepositoryConfig struct {
	LockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, cfg RepositoryConfig) *Repository {
	return &Repository{pool: pool, lockTimeout: cfg.LockTimeout}
}

// WithTx executes the callback inside a read-committed transaction with a
// bounded lock wait. Lock timeouts and ledger key races surface as
// ErrContention, numeric overflow as ErrInvalidQuantity.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	opts := db.TxOptions{IsoLevel: pgx.ReadCommitted, LockTimeout: r.lockTimeout}
	err := db.WithTxOptions(ctx, r.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return translateTxError(err)
}

func translateTxError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContention), errors.Is(err, ErrInvalidQuantity):
		return err
	case errors.Is(err, db.ErrLockTimeout), db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %w", ErrContention, err)
	case errors.Is(err, db.ErrNumericOutOfRange):
		return fmt.Errorf("%w: %w", ErrInvalidQuantity, err)
	default:
		return err
	}
}

// EntriesByReference lists the entries one business reference wrote for an
// item in a warehouse, oldest first.
func (r *Repository) EntriesByReference(ctx context.Context, reason Reason, reference string, warehouseID, itemID int64) ([]LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, entriesByReferenceSQL, string(reason), reference, warehouseID, itemID)
	if err != nil {
		return nil, fmt.Errorf("stock: entries by reference: %w", err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListSlots returns the positive slots of an item in a warehouse joined with
// batch expiry. No locks are taken.
func (r *Repository) ListSlots(ctx context.Context, warehouseID, itemID int64) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, listSlotsSQL, warehouseID, itemID)
	if err != nil {
		return nil, fmt.Errorf("stock: list slots: %w", err)
	}
	defer rows.Close()
	var slots []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.BalanceID, &s.BatchCode, &s.Quantity, &s.ExpiryDate); err != nil {
			return nil, fmt.Errorf("stock: scan slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// History lists ledger entries for one slot, newest first.
func (r *Repository) History(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	key := filter.Key.Normalize()
	rows, err := r.pool.Query(ctx, historySQL, key.WarehouseID, key.ItemID, key.BatchCode,
		nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, fmt.Errorf("stock: history: %w", err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SlotTotals aggregates the ledger per slot and joins the live balance in one
// statement, so both sides come from the same snapshot.
func (r *Repository) SlotTotals(ctx context.Context, scope Scope) ([]SlotTotal, error) {
	rows, err := r.pool.Query(ctx, slotTotalsSQL, scope.WarehouseID, scope.ItemID)
	if err != nil {
		return nil, fmt.Errorf("stock: slot totals: %w", err)
	}
	defer rows.Close()
	var totals []SlotTotal
	for rows.Next() {
		var t SlotTotal
		if err := rows.Scan(&t.Key.WarehouseID, &t.Key.ItemID, &t.Key.BatchCode,
			&t.LedgerSum, &t.Entries, &t.LatestAfter, &t.BalanceQty); err != nil {
			return nil, fmt.Errorf("stock: scan slot total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// LedgerCut sums ledger deltas that occurred before the cut.
func (r *Repository) LedgerCut(ctx context.Context, before time.Time, scope Scope) ([]SnapshotRow, error) {
	return r.querySnapshotRows(ctx, ledgerCutSQL, before, scope)
}

// SnapshotRows loads the stored snapshot for a date.
func (r *Repository) SnapshotRows(ctx context.Context, date time.Time, scope Scope) ([]SnapshotRow, error) {
	return r.querySnapshotRows(ctx, snapshotRowsSQL, dateOnly(date), scope)
}

func (r *Repository) querySnapshotRows(ctx context.Context, query string, at time.Time, scope Scope) ([]SnapshotRow, error) {
	rows, err := r.pool.Query(ctx, query, at, scope.WarehouseID, scope.ItemID)
	if err != nil {
		return nil, fmt.Errorf("stock: snapshot rows: %w", err)
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		if err := rows.Scan(&row.Key.WarehouseID, &row.Key.ItemID, &row.Key.BatchCode, &row.Quantity); err != nil {
			return nil, fmt.Errorf("stock: scan snapshot row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RebuildSnapshot recomputes the snapshot of date from the ledger.
func (r *Repository) RebuildSnapshot(ctx context.Context, date time.Time) (SnapshotSummary, error) {
	day := dateOnly(date)
	summary := SnapshotSummary{SnapshotDate: day}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM stock_snapshots WHERE snapshot_date = $1`, day); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, rebuildSnapshotSQL, day, day.AddDate(0, 0, 1)); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(qty), 0) FROM stock_snapshots WHERE snapshot_date = $1`, day).
			Scan(&summary.Slots, &summary.TotalQuantity)
	})
	if err != nil {
		return SnapshotSummary{}, fmt.Errorf("stock: rebuild snapshot: %w", err)
	}
	return summary, nil
}

// Migrate applies the schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("stock: migrate: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
