package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockReconcile compares the ledger against balances and snapshots.
	TaskStockReconcile = "stock:reconcile"
	// TaskStockSnapshot rebuilds the per-slot snapshot of one day.
	TaskStockSnapshot = "stock:snapshot"
)

// StockReconcilePayload scopes a reconcile run. Empty WarehouseIDs means all
// warehouses.
type StockReconcilePayload struct {
	WarehouseIDs []int64 `json:"warehouse_ids,omitempty"`
	ItemID       int64   `json:"item_id,omitempty"`
	SnapshotDate string  `json:"snapshot_date,omitempty"`
}

// StockSnapshotPayload names the day to rebuild. Empty Date means yesterday
// relative to the worker clock.
type StockSnapshotPayload struct {
	Date string `json:"date,omitempty"`
}

// NewStockReconcileTask constructs an Asynq task for reconciliation.
func NewStockReconcileTask(payload StockReconcilePayload) (*asynq.Task, error) {
	if payload.SnapshotDate != "" {
		if _, err := time.Parse(time.DateOnly, payload.SnapshotDate); err != nil {
			return nil, fmt.Errorf("snapshot_date: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewStockSnapshotTask constructs an Asynq task for snapshot rebuilds.
func NewStockSnapshotTask(payload StockSnapshotPayload) (*asynq.Task, error) {
	if payload.Date != "" {
		if _, err := time.Parse(time.DateOnly, payload.Date); err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockSnapshot, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}
