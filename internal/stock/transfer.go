package stock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// Mover relocates one batch between warehouses atomically.
type Mover interface {
	Move(ctx context.Context, in MoveInput) (MoveResult, error)
}

// TransferRequest moves an item from one warehouse to another in FEFO order.
type TransferRequest struct {
	ItemID          int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Reference       string
	// StartLine numbers the first moved batch. Defaults to 1.
	StartLine    int
	AllowPartial bool
	ActorID      int64
	TraceID      string
	Options      PlanOptions
}

// TransferLine is one batch moved, with both balances after the move.
type TransferLine struct {
	BatchCode        string
	Quantity         decimal.Decimal
	ReferenceLine    string
	Status           Status
	SourceAfter      decimal.Decimal
	DestinationAfter decimal.Decimal
}

// TransferResult summarizes a transfer.
type TransferResult struct {
	Lines     []TransferLine
	Requested decimal.Decimal
	Moved     decimal.Decimal
	Shortfall decimal.Decimal
	Replans   int
}

// Transferer moves stock between warehouses batch by batch.
type Transferer struct {
	fefoDriver
	mover Mover
}

// NewTransferer constructs Transferer. ledger lets a repeated transfer resume;
// it may be nil.
func NewTransferer(mover Mover, planner Planner, ledger ReferenceLedger, logger *slog.Logger, cfg PickerConfig) *Transferer {
	return &Transferer{fefoDriver: newFEFODriver(planner, ledger, logger, cfg), mover: mover}
}

// Transfer moves qty of an item from the source warehouse, earliest expiry
// first. Each batch is one Move, so the destination receives the same batch
// code and keeps its expiry. Batches a previous call with the same reference
// and start line moved count toward qty.
func (t *Transferer) Transfer(ctx context.Context, req TransferRequest, qty decimal.Decimal) (TransferResult, error) {
	req, err := normalizeTransfer(req)
	if err != nil {
		return TransferResult{}, err
	}
	if !qty.IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: transfer quantity must be positive", ErrInvalidQuantity)
	}
	run := fefoRun{
		WarehouseID:  req.FromWarehouseID,
		ItemID:       req.ItemID,
		Reason:       ReasonPick,
		Reference:    req.Reference,
		StartLine:    req.StartLine,
		AllowPartial: req.AllowPartial,
		Options:      req.Options,
	}
	total := TransferResult{Requested: qty, Moved: decimal.Zero}
	done, line, err := t.committedRun(ctx, run)
	if err != nil {
		return total, err
	}
	for _, e := range done {
		total.Lines = append(total.Lines, TransferLine{
			BatchCode:     e.Key.BatchCode,
			Quantity:      e.Delta.Neg(),
			ReferenceLine: e.ReferenceLine,
			Status:        StatusDuplicate,
			SourceAfter:   e.AfterQuantity,
		})
		total.Moved = total.Moved.Add(e.Delta.Neg())
	}
	total.Replans, err = t.drive(ctx, run, qty, total.Moved, line, func(ctx context.Context, al AllocationLine, refLine string) (decimal.Decimal, error) {
		res, err := t.mover.Move(ctx, MoveInput{
			ItemID:          req.ItemID,
			BatchCode:       al.BatchCode,
			FromWarehouseID: req.FromWarehouseID,
			ToWarehouseID:   req.ToWarehouseID,
			Quantity:        al.Quantity,
			Reference:       req.Reference,
			ReferenceLine:   refLine,
			TraceID:         req.TraceID,
			ActorID:         req.ActorID,
		})
		if err != nil {
			return decimal.Zero, err
		}
		moved := al.Quantity
		if res.Status == StatusDuplicate {
			moved = res.Out.Entry.Delta.Neg()
		}
		total.Lines = append(total.Lines, TransferLine{
			BatchCode:        al.BatchCode,
			Quantity:         moved,
			ReferenceLine:    refLine,
			Status:           res.Status,
			SourceAfter:      res.Out.AfterQuantity,
			DestinationAfter: res.In.AfterQuantity,
		})
		total.Moved = total.Moved.Add(moved)
		return moved, nil
	})
	total.Shortfall = decimal.Max(decimal.Zero, qty.Sub(total.Moved))
	return total, err
}

func normalizeTransfer(req TransferRequest) (TransferRequest, error) {
	if req.ItemID <= 0 || req.FromWarehouseID <= 0 || req.ToWarehouseID <= 0 {
		return req, ErrInvalidKey
	}
	if req.FromWarehouseID == req.ToWarehouseID {
		return req, fmt.Errorf("%w: source and destination warehouse are the same", ErrInvalidKey)
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
