package stock

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DivergenceKind names the pair of books that disagree.
type DivergenceKind string

const (
	// DivergenceLedgerBalance compares the ledger sum with the balance row.
	DivergenceLedgerBalance DivergenceKind = "ledger_balance"
	// DivergenceReplay compares the ledger sum with the latest after quantity.
	DivergenceReplay DivergenceKind = "replay"
	// DivergenceSnapshot compares the ledger cut at end of day with the stored snapshot.
	DivergenceSnapshot DivergenceKind = "snapshot"
)

// Divergence reports a slot whose books disagree. LedgerSum is the ledger side;
// BalanceQty holds the compared figure: the balance row, the latest after
// quantity or the snapshot quantity depending on Kind.
type Divergence struct {
	Kind       DivergenceKind
	Key        Key
	LedgerSum  decimal.Decimal
	BalanceQty decimal.Decimal
}

// Difference returns BalanceQty minus LedgerSum.
func (d Divergence) Difference() decimal.Decimal {
	return d.BalanceQty.Sub(d.LedgerSum)
}

// SlotTotal is the ledger aggregate of one slot joined with its balance.
// Slots missing on one side carry zeros there.
type SlotTotal struct {
	Key         Key
	LedgerSum   decimal.Decimal
	Entries     int64
	LatestAfter decimal.Decimal
	BalanceQty  decimal.Decimal
}

// SnapshotRow is one slot quantity at a point in time.
type SnapshotRow struct {
	Key      Key
	Quantity decimal.Decimal
}

// CompareSlotTotals flags slots whose ledger sum differs from the balance or
// from the last recorded after quantity.
func CompareSlotTotals(totals []SlotTotal) []Divergence {
	var out []Divergence
	for _, t := range totals {
		if !t.LedgerSum.Equal(t.BalanceQty) {
			out = append(out, Divergence{Kind: DivergenceLedgerBalance, Key: t.Key, LedgerSum: t.LedgerSum, BalanceQty: t.BalanceQty})
		}
		if t.Entries > 0 && !t.LedgerSum.Equal(t.LatestAfter) {
			out = append(out, Divergence{Kind: DivergenceReplay, Key: t.Key, LedgerSum: t.LedgerSum, BalanceQty: t.LatestAfter})
		}
	}
	sortDivergences(out)
	return out
}

// CompareSnapshot flags slots whose ledger cut differs from the stored
// snapshot. A slot absent on one side counts as zero there.
func CompareSnapshot(cut, snapshot []SnapshotRow) []Divergence {
	ledger := make(map[Key]decimal.Decimal, len(cut))
	for _, row := range cut {
		ledger[row.Key] = ledger[row.Key].Add(row.Quantity)
	}
	stored := make(map[Key]decimal.Decimal, len(snapshot))
	for _, row := range snapshot {
		stored[row.Key] = stored[row.Key].Add(row.Quantity)
	}
	var out []Divergence
	for key, sum := range ledger {
		if qty := stored[key]; !sum.Equal(qty) {
			out = append(out, Divergence{Kind: DivergenceSnapshot, Key: key, LedgerSum: sum, BalanceQty: qty})
		}
	}
	for key, qty := range stored {
		if _, ok := ledger[key]; !ok && !qty.IsZero() {
			out = append(out, Divergence{Kind: DivergenceSnapshot, Key: key, LedgerSum: decimal.Zero, BalanceQty: qty})
		}
	}
	sortDivergences(out)
	return out
}

func sortDivergences(ds []Divergence) {
	sort.Slice(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Key.WarehouseID != b.Key.WarehouseID {
			return a.Key.WarehouseID < b.Key.WarehouseID
		}
		if a.Key.ItemID != b.Key.ItemID {
			return a.Key.ItemID < b.Key.ItemID
		}
		if a.Key.BatchCode != b.Key.BatchCode {
			return a.Key.BatchCode < b.Key.BatchCode
		}
		return a.Kind < b.Kind
	})
}

// ReconcileReader loads the books compared by Reconciler.
type ReconcileReader interface {
	SlotTotals(ctx context.Context, scope Scope) ([]SlotTotal, error)
	LedgerCut(ctx context.Context, before time.Time, scope Scope) ([]SnapshotRow, error)
	SnapshotRows(ctx context.Context, date time.Time, scope Scope) ([]SnapshotRow, error)
}

// Reconciler verifies the ledger against balances and snapshots. It never
// writes.
type Reconciler struct {
	repo   ReconcileReader
	logger *slog.Logger
}

// NewReconciler constructs Reconciler.
func NewReconciler(repo ReconcileReader, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{repo: repo, logger: logger}
}

// Reconcile returns every divergence inside scope. An empty result means the
// books agree.
func (r *Reconciler) Reconcile(ctx context.Context, scope Scope) ([]Divergence, error) {
	totals, err := r.repo.SlotTotals(ctx, scope)
	if err != nil {
		return nil, err
	}
	divergences := CompareSlotTotals(totals)

	if !scope.SnapshotDate.IsZero() {
		day := dateOnly(scope.SnapshotDate)
		cut, err := r.repo.LedgerCut(ctx, day.AddDate(0, 0, 1), scope)
		if err != nil {
			return nil, err
		}
		stored, err := r.repo.SnapshotRows(ctx, day, scope)
		if err != nil {
			return nil, err
		}
		divergences = append(divergences, CompareSnapshot(cut, stored)...)
	}

	for _, d := range divergences {
		r.logger.Warn("stock divergence",
			slog.String("kind", string(d.Kind)),
			slog.String("key", d.Key.String()),
			slog.String("ledger_sum", d.LedgerSum.String()),
			slog.String("compared", d.BalanceQty.String()))
	}
	r.logger.Info("stock reconcile finished",
		slog.Int64("warehouse_id", scope.WarehouseID),
		slog.Int64("item_id", scope.ItemID),
		slog.Int("slots", len(totals)),
		slog.Int("divergences", len(divergences)))
	return divergences, nil
}
