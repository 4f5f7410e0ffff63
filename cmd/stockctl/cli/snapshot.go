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

// SnapshotRebuilder rebuilds one snapshot day.
type SnapshotRebuilder interface {
	Rebuild(ctx context.Context, date time.Time) (stock.SnapshotSummary, error)
}

// SnapshotOptions defines available flags for the snapshot command.
type SnapshotOptions struct {
	Date       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
	Now        func() time.Time
}

// SnapshotCommand rebuilds the snapshot of the given date, yesterday by default.
func SnapshotCommand(ctx context.Context, rebuilder SnapshotRebuilder, opts SnapshotOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	var date time.Time
	if raw := strings.TrimSpace(opts.Date); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "snapshot: invalid date %q (expected YYYY-MM-DD)\n", opts.Date)
			return 1
		}
		date = d
	} else {
		now := opts.Now()
		date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	}
	summary, err := rebuilder.Rebuild(ctx, date)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "snapshot: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		payload := map[string]any{
			"date":      summary.SnapshotDate.Format(time.DateOnly),
			"slots":     summary.Slots,
			"total_qty": summary.TotalQuantity.String(),
		}
		if err := json.NewEncoder(opts.Stdout).Encode(payload); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "snapshot: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Snapshot %s rebuilt: %d slot(s), total %s\n",
		summary.SnapshotDate.Format(time.DateOnly), summary.Slots, summary.TotalQuantity.String())
	return 0
}
