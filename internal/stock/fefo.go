package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Slot is one positive balance of an item considered for allocation.
type Slot struct {
	BalanceID  int64
	BatchCode  string
	Quantity   decimal.Decimal
	ExpiryDate *time.Time
}

// TieBreak orders slots sharing the same expiry.
type TieBreak string

const (
	// TieBreakBatchCode orders by batch code, lexically.
	TieBreakBatchCode TieBreak = "batch_code"
	// TieBreakBalanceID orders by balance row id, oldest slot first.
	TieBreakBalanceID TieBreak = "balance_id"
)

// ParseTieBreak converts configuration input. Empty input selects the batch code order.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(s))) {
	case "", TieBreakBatchCode:
		return TieBreakBatchCode, nil
	case TieBreakBalanceID:
		return TieBreakBalanceID, nil
	}
	return "", fmt.Errorf("stock: unknown tie break %q", s)
}

// PlanOptions tunes a FEFO plan.
type PlanOptions struct {
	// AllowExpired keeps batches whose expiry date lies before AsOf.
	AllowExpired bool
	// AsOf is the day expiry is judged against. Zero means today.
	AsOf     time.Time
	TieBreak TieBreak
}

// AllocationLine draws Quantity from one batch.
type AllocationLine struct {
	BalanceID  int64
	BatchCode  string
	Quantity   decimal.Decimal
	ExpiryDate *time.Time
}

// Plan is an advisory allocation. It reserves nothing.
type Plan struct {
	WarehouseID  int64
	ItemID       int64
	Lines        []AllocationLine
	Required     decimal.Decimal
	Allocated    decimal.Decimal
	Shortfall    decimal.Decimal
	Insufficient bool
}

// AllocateFEFO draws required from slots in ascending expiry order, undated
// batches last. When supply runs short the plan holds everything available and
// Insufficient is set.
func AllocateFEFO(slots []Slot, required decimal.Decimal, opts PlanOptions) Plan {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	today := dateOnly(asOf)

	candidates := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if !s.Quantity.IsPositive() {
			continue
		}
		if !opts.AllowExpired && (Batch{ExpiryDate: s.ExpiryDate}).Expired(today) {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if opts.TieBreak == TieBreakBalanceID {
			return a.BalanceID < b.BalanceID
		}
		if a.BatchCode != b.BatchCode {
			return a.BatchCode < b.BatchCode
		}
		return a.BalanceID < b.BalanceID
	})

	plan := Plan{Required: required, Allocated: decimal.Zero}
	remaining := required
	for _, s := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(s.Quantity, remaining)
		plan.Lines = append(plan.Lines, AllocationLine{
			BalanceID:  s.BalanceID,
			BatchCode:  s.BatchCode,
			Quantity:   take,
			ExpiryDate: s.ExpiryDate,
		})
		plan.Allocated = plan.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		plan.Shortfall = remaining
		plan.Insufficient = true
	} else {
		plan.Shortfall = decimal.Zero
	}
	return plan
}

// SlotReader lists allocatable slots without locking.
type SlotReader interface {
	ListSlots(ctx context.Context, warehouseID, itemID int64) ([]Slot, error)
}

// AllocatorConfig holds the defaults applied when a request leaves options unset.
type AllocatorConfig struct {
	AllowExpired bool
	TieBreak     TieBreak
}

// Allocator plans FEFO deductions from current balances.
type Allocator struct {
	repo SlotReader
	cfg  AllocatorConfig
	now  func() time.Time
}

// NewAllocator constructs Allocator.
func NewAllocator(repo SlotReader, cfg AllocatorConfig) *Allocator {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakBatchCode
	}
	return &Allocator{repo: repo, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Plan proposes which batches cover required. The result may be stale by the
// time it is executed.
func (a *Allocator) Plan(ctx context.Context, warehouseID, itemID int64, required decimal.Decimal, opts PlanOptions) (Plan, error) {
	if err := (Key{WarehouseID: warehouseID, ItemID: itemID}).Validate(); err != nil {
		return Plan{}, err
	}
	if !required.IsPositive() {
		return Plan{}, fmt.Errorf("%w: required quantity must be positive", ErrInvalidQuantity)
	}
	if err := ValidateQuantity(required); err != nil {
		return Plan{}, err
	}
	if opts.TieBreak == "" {
		opts.TieBreak = a.cfg.TieBreak
	}
	if a.cfg.AllowExpired {
		opts.AllowExpired = true
	}
	if opts.AsOf.IsZero() {
		opts.AsOf = a.now()
	}
	slots, err := a.repo.ListSlots(ctx, warehouseID, itemID)
	if err != nil {
		return Plan{}, err
	}
	plan := AllocateFEFO(slots, required, opts)
	plan.WarehouseID = warehouseID
	plan.ItemID = itemID
	return plan, nil
}
