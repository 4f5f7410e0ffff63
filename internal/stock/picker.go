package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Adjuster applies one adjustment.
type Adjuster interface {
	Adjust(ctx context.Context, in AdjustInput) (AdjustResult, error)
}

// Planner proposes FEFO allocations.
type Planner interface {
	Plan(ctx context.Context, warehouseID, itemID int64, required decimal.Decimal, opts PlanOptions) (Plan, error)
}

// ReferenceLedger reads what a business reference already committed.
type ReferenceLedger interface {
	EntriesByReference(ctx context.Context, reason Reason, reference string, warehouseID, itemID int64) ([]LedgerEntry, error)
}

// PickRequest describes an outbound pick against one item.
type PickRequest struct {
	WarehouseID int64
	ItemID      int64
	// Reason defaults to OUTBOUND_SHIP.
	Reason    Reason
	Reference string
	// StartLine numbers the first plan line. Defaults to 1.
	StartLine    int
	AllowPartial bool
	ActorID      int64
	TraceID      string
	Options      PlanOptions
}

// PickLine is one committed deduction.
type PickLine struct {
	BatchCode     string
	Quantity      decimal.Decimal
	ReferenceLine string
	Status        Status
	AfterQuantity decimal.Decimal
}

// PickResult summarizes an executed pick.
type PickResult struct {
	Lines     []PickLine
	Requested decimal.Decimal
	Picked    decimal.Decimal
	Shortfall decimal.Decimal
	Replans   int
}

// PickerConfig groups optional settings.
type PickerConfig struct {
	MaxReplans int
}

// fefoDriver runs the plan, apply and re-plan cycle shared by picks and
// transfers.
type fefoDriver struct {
	planner    Planner
	ledger     ReferenceLedger
	maxReplans int
	logger     *slog.Logger
}

func newFEFODriver(planner Planner, ledger ReferenceLedger, logger *slog.Logger, cfg PickerConfig) fefoDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	return fefoDriver{planner: planner, ledger: ledger, maxReplans: cfg.MaxReplans, logger: logger}
}

// fefoRun describes one multi-line FEFO operation against a source slot set.
type fefoRun struct {
	WarehouseID  int64
	ItemID       int64
	Reason       Reason
	Reference    string
	StartLine    int
	AllowPartial bool
	Options      PlanOptions
}

// lineApplier commits one allocation line under refLine and reports the
// quantity it took from the source.
type lineApplier func(ctx context.Context, line AllocationLine, refLine string) (decimal.Decimal, error)

// committedRun returns the entries a previous call of the same run already
// committed: the contiguous lines from run.StartLine that have an entry. The
// second value is the first free line.
func (d fefoDriver) committedRun(ctx context.Context, run fefoRun) ([]LedgerEntry, int, error) {
	if d.ledger == nil {
		return nil, run.StartLine, nil
	}
	entries, err := d.ledger.EntriesByReference(ctx, run.Reason, run.Reference, run.WarehouseID, run.ItemID)
	if err != nil {
		return nil, run.StartLine, err
	}
	byLine := make(map[int][]LedgerEntry, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(e.ReferenceLine)
		if err != nil {
			continue
		}
		byLine[n] = append(byLine[n], e)
	}
	var done []LedgerEntry
	line := run.StartLine
	for ; len(byLine[line]) > 0; line++ {
		done = append(done, byLine[line]...)
	}
	return done, line, nil
}

// drive draws qty minus already from the plan until it is covered. Lines are
// numbered from line. When a line fails with insufficient stock the remainder
// is re-planned up to maxReplans times.
func (d fefoDriver) drive(ctx context.Context, run fefoRun, qty, already decimal.Decimal, line int, apply lineApplier) (int, error) {
	moved := already
	replans := 0
	for attempt := 0; ; attempt++ {
		remaining := qty.Sub(moved)
		if !remaining.IsPositive() {
			return replans, nil
		}
		plan, err := d.planner.Plan(ctx, run.WarehouseID, run.ItemID, remaining, run.Options)
		if err != nil {
			return replans, err
		}
		if plan.Insufficient && !run.AllowPartial {
			return replans, &InsufficientStockError{
				Key:     Key{WarehouseID: run.WarehouseID, ItemID: run.ItemID}.Normalize(),
				Current: plan.Allocated,
				Delta:   remaining.Neg(),
			}
		}
		if len(plan.Lines) == 0 {
			return replans, nil
		}
		var lineErr error
		for _, al := range plan.Lines {
			refLine := strconv.Itoa(line)
			took, err := apply(ctx, al, refLine)
			if err != nil {
				lineErr = fmt.Errorf("stock: line %s batch %s: %w", refLine, al.BatchCode, err)
				break
			}
			moved = moved.Add(took)
			line++
		}
		if lineErr == nil {
			if plan.Insufficient {
				return replans, nil
			}
			continue
		}
		if !errors.Is(lineErr, ErrInsufficientStock) || attempt >= d.maxReplans {
			return replans, lineErr
		}
		replans++
		d.logger.Info("stock fefo replanning",
			slog.Int64("warehouse_id", run.WarehouseID),
			slog.Int64("item_id", run.ItemID),
			slog.String("reference", run.Reference),
			slog.String("remaining", qty.Sub(moved).String()),
			slog.Int("attempt", attempt+1))
	}
}

// Picker turns allocation plans into adjustments.
type Picker struct {
	fefoDriver
	adjuster Adjuster
}

// NewPicker constructs Picker. ledger lets a repeated pick resume instead of
// picking again; it may be nil when callers never retry.
func NewPicker(adjuster Adjuster, planner Planner, ledger ReferenceLedger, logger *slog.Logger, cfg PickerConfig) *Picker {
	return &Picker{fefoDriver: newFEFODriver(planner, ledger, logger, cfg), adjuster: adjuster}
}

// Execute issues one Adjust per plan line, numbering reference lines from
// req.StartLine. Each line commits on its own; on error the lines already
// applied are returned together with the error.
func (p *Picker) Execute(ctx context.Context, plan Plan, req PickRequest) (PickResult, error) {
	req, err := normalizePick(req)
	if err != nil {
		return PickResult{}, err
	}
	result := PickResult{Requested: plan.Required, Picked: decimal.Zero}
	for i, line := range plan.Lines {
		refLine := strconv.Itoa(req.StartLine + i)
		pl, err := p.pickLine(ctx, req, line, refLine)
		if err != nil {
			result.Shortfall = result.Requested.Sub(result.Picked)
			return result, fmt.Errorf("stock: pick line %s batch %s: %w", refLine, line.BatchCode, err)
		}
		result.Lines = append(result.Lines, pl)
		result.Picked = result.Picked.Add(pl.Quantity)
	}
	result.Shortfall = result.Requested.Sub(result.Picked)
	return result, nil
}

// pickLine deducts one allocation line. A duplicate reports the quantity the
// original call committed.
func (p *Picker) pickLine(ctx context.Context, req PickRequest, line AllocationLine, refLine string) (PickLine, error) {
	res, err := p.adjuster.Adjust(ctx, AdjustInput{
		Key:           Key{WarehouseID: req.WarehouseID, ItemID: req.ItemID, BatchCode: line.BatchCode},
		Delta:         line.Quantity.Neg(),
		Reason:        req.Reason,
		Reference:     req.Reference,
		ReferenceLine: refLine,
		TraceID:       req.TraceID,
		ActorID:       req.ActorID,
	})
	if err != nil {
		return PickLine{}, err
	}
	taken := line.Quantity
	if res.Status == StatusDuplicate {
		taken = res.Entry.Delta.Neg()
	}
	return PickLine{
		BatchCode:     line.BatchCode,
		Quantity:      taken,
		ReferenceLine: refLine,
		Status:        res.Status,
		AfterQuantity: res.AfterQuantity,
	}, nil
}

// PickFEFO plans and executes a pick of qty. Lines a previous call with the
// same reason, reference and start line already committed count toward qty
// and are reported as duplicates, so a repeated request never picks twice. A
// plan that cannot cover the rest is refused unless req.AllowPartial. When a
// line fails with insufficient stock the remainder is re-planned up to the
// configured number of times.
func (p *Picker) PickFEFO(ctx context.Context, req PickRequest, qty decimal.Decimal) (PickResult, error) {
	req, err := normalizePick(req)
	if err != nil {
		return PickResult{}, err
	}
	run := fefoRun{
		WarehouseID:  req.WarehouseID,
		ItemID:       req.ItemID,
		Reason:       req.Reason,
		Reference:    req.Reference,
		StartLine:    req.StartLine,
		AllowPartial: req.AllowPartial,
		Options:      req.Options,
	}
	total := PickResult{Requested: qty, Picked: decimal.Zero}
	done, line, err := p.committedRun(ctx, run)
	if err != nil {
		return total, err
	}
	for _, e := range done {
		total.Lines = append(total.Lines, PickLine{
			BatchCode:     e.Key.BatchCode,
			Quantity:      e.Delta.Neg(),
			ReferenceLine: e.ReferenceLine,
			Status:        StatusDuplicate,
			AfterQuantity: e.AfterQuantity,
		})
		total.Picked = total.Picked.Add(e.Delta.Neg())
	}
	total.Replans, err = p.drive(ctx, run, qty, total.Picked, line, func(ctx context.Context, al AllocationLine, refLine string) (decimal.Decimal, error) {
		pl, err := p.pickLine(ctx, req, al, refLine)
		if err != nil {
			return decimal.Zero, err
		}
		total.Lines = append(total.Lines, pl)
		total.Picked = total.Picked.Add(pl.Quantity)
		return pl.Quantity, nil
	})
	total.Shortfall = decimal.Max(decimal.Zero, qty.Sub(total.Picked))
	return total, err
}

func normalizePick(req PickRequest) (PickRequest, error) {
	if err := (Key{WarehouseID: req.WarehouseID, ItemID: req.ItemID}).Validate(); err != nil {
		return req, err
	}
	if req.Reason == "" {
		req.Reason = ReasonOutboundShip
	}
	if !req.Reason.Valid() {
		return req, fmt.Errorf("%w: %q", ErrInvalidReason, string(req.Reason))
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return req, ErrInvalidReference
	}
	if req.StartLine <= 0 {
		req.StartLine = 1
	}
	return req, nil
}
