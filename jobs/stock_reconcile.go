package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
	"github.com/odyssey-erp/odyssey-wms/internal/stock"
)

// reconcileParallelism bounds concurrent per-warehouse reconcile queries.
const reconcileParallelism = 4

// ReconcileRunner is the subset of stock.Reconciler the job depends on.
type ReconcileRunner interface {
	Reconcile(ctx context.Context, scope stock.Scope) ([]stock.Divergence, error)
}

// LockAcquirer hands out cross-worker locks.
type LockAcquirer interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*shared.Lock, error)
}

// StockReconcileJob runs the stock reconciler on a schedule.
type StockReconcileJob struct {
	Reconciler ReconcileRunner
	Locker     LockAcquirer
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
	LockTTL    time.Duration
}

// NewStockReconcileJob initialises the reconcile handler.
func NewStockReconcileJob(reconciler ReconcileRunner, locker LockAcquirer, metrics *jobmetrics.Metrics, logger *slog.Logger, lockTTL time.Duration) *StockReconcileJob {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &StockReconcileJob{Reconciler: reconciler, Locker: locker, Metrics: metrics, Logger: logger, LockTTL: lockTTL}
}

// Handle executes one reconcile run. Divergences are reported, never repaired.
func (j *StockReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("stock reconcile: handler not configured")
	}
	var payload StockReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	var snapshotDate time.Time
	if payload.SnapshotDate != "" {
		d, err := time.Parse(time.DateOnly, payload.SnapshotDate)
		if err != nil {
			return asynq.SkipRetry
		}
		snapshotDate = d
	}

	logger := j.logger().With(slog.String("job", TaskStockReconcile))
	if j.Locker != nil {
		lock, err := j.Locker.Acquire(ctx, shared.ReconcileLockKey, j.LockTTL)
		if errors.Is(err, shared.ErrLockHeld) {
			logger.Info("reconcile already running elsewhere, skipping")
			j.Metrics.Skip(TaskStockReconcile, "locked")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release reconcile lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.Metrics.Track(TaskStockReconcile)
	divergences, err := j.run(ctx, payload, snapshotDate)
	if err != nil {
		logger.Error("reconcile failed", slog.Any("error", err))
		return tracker.End(err)
	}

	counts := make(map[string]int)
	for _, d := range divergences {
		counts[string(d.Kind)]++
	}
	j.Metrics.SetDivergences(divergenceKinds, counts)
	logger.Info("completed stock reconcile",
		slog.Int("warehouses", len(payload.WarehouseIDs)),
		slog.Int("divergences", len(divergences)))
	return tracker.End(nil)
}

var divergenceKinds = []string{
	string(stock.DivergenceLedgerBalance),
	string(stock.DivergenceReplay),
	string(stock.DivergenceSnapshot),
}

func (j *StockReconcileJob) run(ctx context.Context, payload StockReconcilePayload, snapshotDate time.Time) ([]stock.Divergence, error) {
	if len(payload.WarehouseIDs) == 0 {
		return j.Reconciler.Reconcile(ctx, stock.Scope{ItemID: payload.ItemID, SnapshotDate: snapshotDate})
	}

	var (
		mu  sync.Mutex
		all []stock.Divergence
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, wh := range payload.WarehouseIDs {
		scope := stock.Scope{WarehouseID: wh, ItemID: payload.ItemID, SnapshotDate: snapshotDate}
		g.Go(func() error {
			found, err := j.Reconciler.Reconcile(gctx, scope)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(a, b int) bool {
		ka, kb := all[a].Key, all[b].Key
		if ka.WarehouseID != kb.WarehouseID {
			return ka.WarehouseID < kb.WarehouseID
		}
		if ka.ItemID != kb.ItemID {
			return ka.ItemID < kb.ItemID
		}
		if ka.BatchCode != kb.BatchCode {
			return ka.BatchCode < kb.BatchCode
		}
		return all[a].Kind < all[b].Kind
	})
	return all, nil
}

func (j *StockReconcileJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
