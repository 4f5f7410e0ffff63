package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-wms/internal/stock"
)

// ExitDivergent is returned when reconciliation found divergences.
const ExitDivergent = 10

// Reconciler runs a reconciliation over a scope.
type Reconciler interface {
	Reconcile(ctx context.Context, scope stock.Scope) ([]stock.Divergence, error)
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	WarehouseID  int64
	ItemID       int64
	SnapshotDate string
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
}

// ReconcileSummary describes the JSON response for reconcile.
type ReconcileSummary struct {
	Consistent  bool                  `json:"consistent"`
	Divergences []ReconcileDivergence `json:"divergences"`
}

// ReconcileDivergence is one reported slot.
type ReconcileDivergence struct {
	Kind        string `json:"kind"`
	WarehouseID int64  `json:"warehouse_id"`
	ItemID      int64  `json:"item_id"`
	BatchCode   string `json:"batch_code"`
	LedgerSum   string `json:"ledger_sum"`
	Compared    string `json:"compared_qty"`
	Difference  string `json:"difference"`
}

// ReconcileCommand runs a reconcile and prints the outcome. It exits 0 when the
// books agree and ExitDivergent when any divergence was found.
func ReconcileCommand(ctx context.Context, reconciler Reconciler, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.WarehouseID < 0 || opts.ItemID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: --warehouse and --item must not be negative")
		return 1
	}
	scope := stock.Scope{WarehouseID: opts.WarehouseID, ItemID: opts.ItemID}
	if raw := strings.TrimSpace(opts.SnapshotDate); raw != "" {
		date, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: invalid snapshot date %q (expected YYYY-MM-DD)\n", opts.SnapshotDate)
			return 1
		}
		scope.SnapshotDate = date
	}
	divergences, err := reconciler.Reconcile(ctx, scope)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(buildReconcileSummary(divergences)); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReconcileHuman(opts.Stdout, divergences)
	}
	if len(divergences) > 0 {
		return ExitDivergent
	}
	return 0
}

func buildReconcileSummary(divergences []stock.Divergence) ReconcileSummary {
	out := make([]ReconcileDivergence, 0, len(divergences))
	for _, d := range divergences {
		out = append(out, ReconcileDivergence{
			Kind:        string(d.Kind),
			WarehouseID: d.Key.WarehouseID,
			ItemID:      d.Key.ItemID,
			BatchCode:   d.Key.BatchCode,
			LedgerSum:   d.LedgerSum.String(),
			Compared:    d.BalanceQty.String(),
			Difference:  d.Difference().String(),
		})
	}
	return ReconcileSummary{Consistent: len(out) == 0, Divergences: out}
}

func renderReconcileHuman(out io.Writer, divergences []stock.Divergence) {
	if len(divergences) == 0 {
		_, _ = fmt.Fprintln(out, "Ledger, balances and snapshots agree.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d divergence(s) detected:\n", len(divergences))
	for _, d := range divergences {
		_, _ = fmt.Fprintf(out, " - [%s] wh=%d item=%d batch=%s ledger=%s compared=%s diff=%s\n",
			d.Kind, d.Key.WarehouseID, d.Key.ItemID, d.Key.BatchCode,
			d.LedgerSum.String(), d.BalanceQty.String(), d.Difference().String())
	}
}
