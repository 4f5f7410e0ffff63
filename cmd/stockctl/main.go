package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-wms/cmd/stockctl/cli"
	"github.com/odyssey-erp/odyssey-wms/internal/app"
	"github.com/odyssey-erp/odyssey-wms/internal/platform/db"
	"github.com/odyssey-erp/odyssey-wms/internal/stock"
)

const usage = `usage: stockctl <command> [flags]

commands:
  migrate                         create stock tables and views
  reconcile [--warehouse N] [--item N] [--snapshot YYYY-MM-DD] [--json]
  snapshot  [--date YYYY-MM-DD] [--json]
  trigger   <stock:reconcile|stock:snapshot> [--warehouses 1,2] [--item N] [--date YYYY-MM-DD]
  queue     [--scheduled N]
`

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	code := run(ctx, cfg, logger, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	switch command {
	case "migrate", "reconcile", "snapshot":
		return runDatabase(ctx, cfg, logger, command, args)
	case "trigger":
		return runTrigger(ctx, cfg, args)
	case "queue":
		return runQueue(ctx, cfg, args)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runDatabase(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	fs := pflag.NewFlagSet(command, pflag.ContinueOnError)
	warehouse := fs.Int64("warehouse", 0, "warehouse id")
	item := fs.Int64("item", 0, "item id")
	snapshotDate := fs.String("snapshot", "", "compare against the snapshot of this date")
	date := fs.String("date", "", "snapshot date")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	repo := stock.NewRepository(pool, stock.RepositoryConfig{LockTimeout: cfg.StockLockTimeout})

	switch command {
	case "migrate":
		if err := repo.Migrate(ctx); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			return 1
		}
		logger.Info("stock schema applied")
		return 0
	case "reconcile":
		return cli.ReconcileCommand(ctx, stock.NewReconciler(repo, logger), cli.ReconcileOptions{
			WarehouseID:  *warehouse,
			ItemID:       *item,
			SnapshotDate: *snapshotDate,
			JSONOutput:   *jsonOut,
		})
	default:
		return cli.SnapshotCommand(ctx, stock.NewSnapshotter(repo, logger), cli.SnapshotOptions{
			Date:       *date,
			JSONOutput: *jsonOut,
		})
	}
}

func runTrigger(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	name := args[0]
	fs := pflag.NewFlagSet("trigger", pflag.ContinueOnError)
	warehouses := fs.Int64Slice("warehouses", nil, "comma separated warehouse ids")
	item := fs.Int64("item", 0, "item id")
	date := fs.String("date", "", "snapshot date")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	ids, err := validIDs(*warehouses)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	info, err := jobsCLI.Trigger(ctx, name, cli.TriggerOptions{WarehouseIDs: ids, ItemID: *item, Date: *date})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

func runQueue(ctx context.Context, cfg *app.Config, args []string) int {
	fs := pflag.NewFlagSet("queue", pflag.ContinueOnError)
	scheduled := fs.Int("scheduled", 0, "also list this many scheduled tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.AsynqRedis())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	_ = json.NewEncoder(os.Stdout).Encode(stats)
	if *scheduled > 0 {
		tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(os.Stdout, "%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
		}
	}
	return 0
}

func validIDs(ids []int64) ([]int64, error) {
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("invalid warehouse id %d", id)
		}
	}
	return ids, nil
}
