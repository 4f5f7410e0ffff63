package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-wms/internal/jobs"
	"github.com/odyssey-erp/odyssey-wms/internal/shared"
	"github.com/odyssey-erp/odyssey-wms/internal/stock"
)

// SnapshotRebuilder is the subset of stock.Snapshotter the job depends on.
type SnapshotRebuilder interface {
	Rebuild(ctx context.Context, date time.Time) (stock.SnapshotSummary, error)
}

// StockSnapshotJob rebuilds the daily stock snapshot.
type StockSnapshotJob struct {
	Snapshotter SnapshotRebuilder
	Locker      LockAcquirer
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
	LockTTL     time.Duration
	clock       func() time.Time
}

// NewStockSnapshotJob initialises the snapshot handler.
func NewStockSnapshotJob(snapshotter SnapshotRebuilder, locker LockAcquirer, metrics *jobmetrics.Metrics, logger *slog.Logger, lockTTL time.Duration) *StockSnapshotJob {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &StockSnapshotJob{
		Snapshotter: snapshotter,
		Locker:      locker,
		Metrics:     metrics,
		Logger:      logger,
		LockTTL:     lockTTL,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle rebuilds the snapshot of the payload date, or of yesterday when the
// payload carries none.
func (j *StockSnapshotJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Snapshotter == nil {
		return errors.New("stock snapshot: handler not configured")
	}
	var payload StockSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	date, err := j.resolveDate(payload.Date)
	if err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger().With(
		slog.String("job", TaskStockSnapshot),
		slog.String("date", date.Format(time.DateOnly)),
	)
	if j.Locker != nil {
		lock, err := j.Locker.Acquire(ctx, shared.SnapshotLockKey(date), j.LockTTL)
		if errors.Is(err, shared.ErrLockHeld) {
			logger.Info("snapshot rebuild already running, skipping")
			j.Metrics.Skip(TaskStockSnapshot, "locked")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release snapshot lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.Metrics.Track(TaskStockSnapshot)
	summary, err := j.Snapshotter.Rebuild(ctx, date)
	if err != nil {
		logger.Error("snapshot rebuild failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("completed stock snapshot", slog.Int64("slots", summary.Slots))
	return tracker.End(nil)
}

func (j *StockSnapshotJob) resolveDate(raw string) (time.Time, error) {
	if raw != "" {
		return time.Parse(time.DateOnly, raw)
	}
	now := j.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1), nil
}

func (j *StockSnapshotJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *StockSnapshotJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
