package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// TxRunner opens the adjust transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Observer receives adjust outcomes, typically a metrics sink.
type Observer interface {
	ObserveAdjust(reason Reason, outcome string, elapsed time.Duration)
}

// Adjust outcomes reported to the Observer.
const (
	OutcomeOK           = "ok"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnchanged    = "unchanged"
	OutcomeInsufficient = "insufficient"
	OutcomeContention   = "contention"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

// EngineConfig groups optional settings.
type EngineConfig struct {
	// AllowNegativeStock authorizes overdraft for every adjustment.
	AllowNegativeStock bool
}

// Engine is the single write path for balances and ledger entries.
type Engine struct {
	repo     TxRunner
	observer Observer
	logger   *slog.Logger
	allowNeg bool
	now      func() time.Time
}

// NewEngine builds Engine. observer may be nil.
func NewEngine(repo TxRunner, observer Observer, logger *slog.Logger, cfg EngineConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:     repo,
		observer: observer,
		logger:   logger,
		allowNeg: cfg.AllowNegativeStock,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// errCountUnchanged rolls back the claim of a count that matched the balance.
var errCountUnchanged = errors.New("stock: count unchanged")

// deltaFunc derives the delta to apply from the locked quantity.
type deltaFunc func(current decimal.Decimal) (decimal.Decimal, error)

func fixedDelta(delta decimal.Decimal) deltaFunc {
	return func(decimal.Decimal) (decimal.Decimal, error) { return delta, nil }
}

// Adjust applies a signed quantity change to one slot. Claim, balance write,
// ledger append and overdraft audit commit together or not at all.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	started := e.now()
	result, err := e.adjust(ctx, in)
	e.observe(in.Reason, result, err, started)
	return result, err
}

func (e *Engine) adjust(ctx context.Context, in AdjustInput) (AdjustResult, error) {
	in, batch, err := e.prepare(in)
	if err != nil {
		return AdjustResult{}, err
	}
	var result AdjustResult
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = e.apply(ctx, tx, in, batch, fixedDelta(in.Delta))
		return err
	})
	if err != nil {
		return AdjustResult{}, err
	}
	e.logApplied(in, result)
	return result, nil
}

// Count sets a slot to the counted quantity by writing one COUNT_ADJUST entry
// for the difference. The difference is taken under the row lock. A count that
// matches the balance writes nothing and reports StatusUnchanged.
func (e *Engine) Count(ctx context.Context, in CountInput) (AdjustResult, error) {
	started := e.now()
	result, err := e.count(ctx, in)
	e.observe(ReasonCountAdjust, result, err, started)
	return result, err
}

func (e *Engine) count(ctx context.Context, in CountInput) (AdjustResult, error) {
	if in.Actual.IsNegative() {
		return AdjustResult{}, fmt.Errorf("%w: counted quantity must not be negative", ErrInvalidQuantity)
	}
	if err := ValidateQuantity(in.Actual); err != nil {
		return AdjustResult{}, err
	}
	adj, err := e.normalize(AdjustInput{
		Key:           in.Key,
		Reason:        ReasonCountAdjust,
		Reference:     in.Reference,
		ReferenceLine: in.ReferenceLine,
		OccurredAt:    in.OccurredAt,
		TraceID:       in.TraceID,
		ActorID:       in.ActorID,
	})
	if err != nil {
		return AdjustResult{}, err
	}
	var result, unchanged AdjustResult
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := e.apply(ctx, tx, adj, nil, func(current decimal.Decimal) (decimal.Decimal, error) {
			delta := in.Actual.Sub(current)
			if delta.IsZero() {
				unchanged = AdjustResult{Status: StatusUnchanged, AfterQuantity: current}
				return delta, errCountUnchanged
			}
			return delta, nil
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, errCountUnchanged) {
		return unchanged, nil
	}
	if err != nil {
		return AdjustResult{}, err
	}
	e.logApplied(adj, result)
	return result, nil
}

// Move deducts a batch from one warehouse and books it into another in a
// single transaction. The source leg is recorded as PICK, the destination leg
// as PUTAWAY, both under the same reference line. Batch metadata is shared by
// item and batch code, so the expiry travels with the stock.
func (e *Engine) Move(ctx context.Context, in MoveInput) (MoveResult, error) {
	started := e.now()
	result, err := e.move(ctx, in)
	e.observe(ReasonPick, result.Out, err, started)
	e.observe(ReasonPutaway, result.In, err, started)
	return result, err
}

func (e *Engine) move(ctx context.Context, in MoveInput) (MoveResult, error) {
	if in.FromWarehouseID == in.ToWarehouseID {
		return MoveResult{}, fmt.Errorf("%w: source and destination warehouse are the same", ErrInvalidKey)
	}
	if !in.Quantity.IsPositive() {
		return MoveResult{}, fmt.Errorf("%w: move quantity must be positive", ErrInvalidQuantity)
	}
	if in.TraceID == "" {
		in.TraceID = uuid.NewString()
	}
	out, _, err := e.prepare(AdjustInput{
		Key:           Key{WarehouseID: in.FromWarehouseID, ItemID: in.ItemID, BatchCode: in.BatchCode},
		Delta:         in.Quantity.Neg(),
		Reason:        ReasonPick,
		Reference:     in.Reference,
		ReferenceLine: in.ReferenceLine,
		OccurredAt:    in.OccurredAt,
		TraceID:       in.TraceID,
		ActorID:       in.ActorID,
	})
	if err != nil {
		return MoveResult{}, err
	}
	dst := out
	dst.Key.WarehouseID = in.ToWarehouseID
	dst.Delta = in.Quantity
	dst.Reason = ReasonPutaway
	if err := dst.Key.Validate(); err != nil {
		return MoveResult{}, err
	}

	// Legs lock in key order so opposite moves cannot deadlock.
	legs := []*AdjustInput{&out, &dst}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Key.String() < legs[j].Key.String() })

	var result MoveResult
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		applied := make(map[*AdjustInput]AdjustResult, len(legs))
		for _, leg := range legs {
			res, err := e.apply(ctx, tx, *leg, nil, fixedDelta(leg.Delta))
			if err != nil {
				return err
			}
			applied[leg] = res
		}
		result = MoveResult{Out: applied[&out], In: applied[&dst]}
		switch {
		case result.Out.Status == StatusOK && result.In.Status == StatusOK:
			result.Status = StatusOK
		case result.Out.Status == StatusDuplicate && result.In.Status == StatusDuplicate:
			result.Status = StatusDuplicate
		default:
			return fmt.Errorf("%w: %s line %s", ErrReferenceConflict, out.Reference, out.ReferenceLine)
		}
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}
	e.logApplied(out, result.Out)
	e.logApplied(dst, result.In)
	return result, nil
}

// apply runs the claim, lock, write and append steps inside tx.
func (e *Engine) apply(ctx context.Context, tx TxRepository, in AdjustInput, batch *Batch, deltaFor deltaFunc) (AdjustResult, error) {
	idem := IdempotencyKey{Reason: in.Reason, Reference: in.Reference, ReferenceLine: in.ReferenceLine, Key: in.Key}
	claimed, err := tx.ClaimIdempotency(ctx, idem)
	if err != nil {
		return AdjustResult{}, err
	}
	if !claimed {
		prior, err := tx.FindEntry(ctx, idem)
		if err != nil {
			return AdjustResult{}, fmt.Errorf("stock: load prior entry for %s: %w", in.Key, err)
		}
		return AdjustResult{Status: StatusDuplicate, AfterQuantity: prior.AfterQuantity, Entry: prior}, nil
	}
	if batch != nil {
		if err := tx.EnsureBatch(ctx, *batch); err != nil {
			return AdjustResult{}, err
		}
	}
	bal, err := tx.GetOrCreateForUpdate(ctx, in.Key)
	if err != nil {
		return AdjustResult{}, err
	}
	delta, err := deltaFor(bal.Quantity)
	if err != nil {
		return AdjustResult{}, err
	}
	next := bal.Quantity.Add(delta)
	if next.Abs().GreaterThanOrEqual(MaxQuantity) {
		return AdjustResult{}, fmt.Errorf("%w: balance of %s would reach %s", ErrInvalidQuantity, in.Key, next.String())
	}
	if next.IsNegative() && !in.AllowOverdraft && !e.allowNeg {
		return AdjustResult{}, &InsufficientStockError{Key: in.Key, Current: bal.Quantity, Delta: delta}
	}
	if err := tx.SetQuantity(ctx, bal.ID, next, e.now()); err != nil {
		return AdjustResult{}, err
	}
	entry, err := tx.AppendEntry(ctx, LedgerEntry{
		BalanceID:     bal.ID,
		Key:           in.Key,
		Reason:        in.Reason,
		Delta:         delta,
		AfterQuantity: next,
		Reference:     in.Reference,
		ReferenceLine: in.ReferenceLine,
		TraceID:       in.TraceID,
		OccurredAt:    in.OccurredAt,
	})
	if err != nil {
		return AdjustResult{}, err
	}
	if next.IsNegative() && delta.IsNegative() {
		if err := tx.RecordAudit(ctx, overdraftAudit(in, bal.Quantity, entry)); err != nil {
			return AdjustResult{}, err
		}
	}
	return AdjustResult{Status: StatusOK, AfterQuantity: next, Entry: entry}, nil
}

// prepare validates and normalizes an adjustment before any transaction is
// opened.
func (e *Engine) prepare(in AdjustInput) (AdjustInput, *Batch, error) {
	in.Key = in.Key.Normalize()
	if err := in.Key.Validate(); err != nil {
		return in, nil, err
	}
	if in.Delta.IsZero() {
		return in, nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidQuantity)
	}
	if err := ValidateQuantity(in.Delta); err != nil {
		return in, nil, err
	}
	in, err := e.normalize(in)
	if err != nil {
		return in, nil, err
	}
	if in.Batch == nil || !in.Delta.IsPositive() || in.Key.BatchCode == NoBatch {
		return in, nil, nil
	}
	batch, err := ResolveBatchDates(in.Key.ItemID, in.Key.BatchCode, *in.Batch, in.OccurredAt)
	if err != nil {
		return in, nil, err
	}
	return in, &batch, nil
}

// normalize fills defaults shared by every write.
func (e *Engine) normalize(in AdjustInput) (AdjustInput, error) {
	in.Key = in.Key.Normalize()
	if err := in.Key.Validate(); err != nil {
		return in, err
	}
	if !in.Reason.Valid() {
		return in, fmt.Errorf("%w: %q", ErrInvalidReason, string(in.Reason))
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return in, ErrInvalidReference
	}
	in.ReferenceLine = strings.TrimSpace(in.ReferenceLine)
	if in.ReferenceLine == "" {
		in.ReferenceLine = DefaultReferenceLine
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = e.now()
	}
	if in.TraceID == "" {
		in.TraceID = uuid.NewString()
	}
	return in, nil
}

func overdraftAudit(in AdjustInput, before decimal.Decimal, entry LedgerEntry) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "stock:overdraft",
		Entity:   "stock_ledger",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"warehouse_id": in.Key.WarehouseID,
			"item_id":      in.Key.ItemID,
			"batch_code":   in.Key.BatchCode,
			"delta":        entry.Delta.String(),
			"before":       before.String(),
			"after":        entry.AfterQuantity.String(),
			"reason":       in.Reason.String(),
			"reference":    in.Reference,
			"trace_id":     in.TraceID,
		},
		At: entry.OccurredAt,
	}
}

func (e *Engine) logApplied(in AdjustInput, result AdjustResult) {
	switch {
	case result.Status == StatusDuplicate:
		e.logger.Debug("stock adjustment duplicate",
			slog.String("key", in.Key.String()),
			slog.String("reason", in.Reason.String()),
			slog.String("reference", in.Reference),
			slog.String("reference_line", in.ReferenceLine))
	case result.AfterQuantity.IsNegative() && result.Entry.Delta.IsNegative():
		e.logger.Warn("stock overdraft applied",
			slog.String("key", in.Key.String()),
			slog.String("delta", result.Entry.Delta.String()),
			slog.String("after", result.AfterQuantity.String()),
			slog.String("reference", in.Reference),
			slog.Int64("actor_id", in.ActorID))
	}
}

func (e *Engine) observe(reason Reason, result AdjustResult, err error, started time.Time) {
	if e.observer == nil {
		return
	}
	e.observer.ObserveAdjust(reason, Outcome(result, err), e.now().Sub(started))
}

// Outcome classifies an adjust result for metrics and logs.
func Outcome(result AdjustResult, err error) string {
	switch {
	case err == nil && result.Status == StatusDuplicate:
		return OutcomeDuplicate
	case err == nil && result.Status == StatusUnchanged:
		return OutcomeUnchanged
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInsufficientStock):
		return OutcomeInsufficient
	case errors.Is(err, ErrContention):
		return OutcomeContention
	case IsClientError(err):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}
