package stock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotSummary describes a rebuilt snapshot day.
type SnapshotSummary struct {
	SnapshotDate  time.Time
	Slots         int64
	TotalQuantity decimal.Decimal
}

// SnapshotStore rebuilds and reads reporting data derived from the ledger.
type SnapshotStore interface {
	RebuildSnapshot(ctx context.Context, date time.Time) (SnapshotSummary, error)
	History(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error)
}

// Snapshotter maintains the daily snapshot table.
type Snapshotter struct {
	repo   SnapshotStore
	logger *slog.Logger
}

// NewSnapshotter constructs Snapshotter.
func NewSnapshotter(repo SnapshotStore, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{repo: repo, logger: logger}
}

// Rebuild replaces the snapshot of date with per-slot ledger sums of entries
// that occurred before the next day.
func (s *Snapshotter) Rebuild(ctx context.Context, date time.Time) (SnapshotSummary, error) {
	if date.IsZero() {
		return SnapshotSummary{}, errors.New("stock: snapshot date required")
	}
	summary, err := s.repo.RebuildSnapshot(ctx, dateOnly(date))
	if err != nil {
		return SnapshotSummary{}, err
	}
	s.logger.Info("stock snapshot rebuilt",
		slog.String("date", summary.SnapshotDate.Format(time.DateOnly)),
		slog.Int64("slots", summary.Slots),
		slog.String("total_qty", summary.TotalQuantity.String()))
	return summary, nil
}

// History lists ledger entries of one slot, newest first.
func (s *Snapshotter) History(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error) {
	filter.Key = filter.Key.Normalize()
	if err := filter.Key.Validate(); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, filter)
}
