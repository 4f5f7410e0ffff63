package stock

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of fractional digits a quantity may carry.
const QuantityScale int32 = 3

// QuantityDigits is the total precision of a stored quantity.
const QuantityDigits int32 = 18

// MaxQuantity is the smallest magnitude a stored quantity cannot reach.
var MaxQuantity = decimal.New(1, QuantityDigits-QuantityScale)

// NoBatch is the batch code used for slots of items without batch tracking.
const NoBatch = "__NONE__"

// DefaultReferenceLine is used when the caller does not discriminate lines.
const DefaultReferenceLine = "1"

// Reason enumerates the closed set of movement reasons.
type Reason string

const (
	// ReasonInbound records goods received into a warehouse.
	ReasonInbound Reason = "INBOUND"
	// ReasonPick records stock taken for an order pick.
	ReasonPick Reason = "PICK"
	// ReasonPutaway records stock placed into a slot.
	ReasonPutaway Reason = "PUTAWAY"
	// ReasonOutboundShip records shipped stock.
	ReasonOutboundShip Reason = "OUTBOUND_SHIP"
	// ReasonCountAdjust records cycle count corrections.
	ReasonCountAdjust Reason = "COUNT_ADJUST"
	// ReasonReturn records customer returns.
	ReasonReturn Reason = "RETURN"
)

// Reasons returns every supported reason.
func Reasons() []Reason {
	return []Reason{ReasonInbound, ReasonPick, ReasonPutaway, ReasonOutboundShip, ReasonCountAdjust, ReasonReturn}
}

// Valid reports whether r belongs to the enum.
func (r Reason) Valid() bool {
	switch r {
	case ReasonInbound, ReasonPick, ReasonPutaway, ReasonOutboundShip, ReasonCountAdjust, ReasonReturn:
		return true
	}
	return false
}

func (r Reason) String() string { return string(r) }

// ParseReason converts user input into a Reason. Matching ignores case and
// surrounding whitespace.
func ParseReason(s string) (Reason, error) {
	r := Reason(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, s)
	}
	return r, nil
}

// Key identifies one inventory slot.
type Key struct {
	WarehouseID int64
	ItemID      int64
	BatchCode   string
}

// Normalize trims the batch code and substitutes NoBatch for empty codes.
func (k Key) Normalize() Key {
	k.BatchCode = strings.TrimSpace(k.BatchCode)
	if k.BatchCode == "" {
		k.BatchCode = NoBatch
	}
	return k
}

// Validate checks ids are set.
func (k Key) Validate() error {
	if k.WarehouseID <= 0 || k.ItemID <= 0 {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%s", k.WarehouseID, k.ItemID, k.BatchCode)
}

// Balance is the current on-hand quantity of one slot.
type Balance struct {
	ID        int64
	Key       Key
	Quantity  decimal.Decimal
	UpdatedAt time.Time
}

// IdempotencyKey is the dedup anchor of an adjustment.
type IdempotencyKey struct {
	Reason        Reason
	Reference     string
	ReferenceLine string
	Key           Key
}

// LedgerEntry is an immutable record of one quantity change.
type LedgerEntry struct {
	ID            int64
	BalanceID     int64
	Key           Key
	Reason        Reason
	Delta         decimal.Decimal
	AfterQuantity decimal.Decimal
	Reference     string
	ReferenceLine string
	TraceID       string
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// IdempotencyKey returns the dedup tuple of the entry.
func (e LedgerEntry) IdempotencyKey() IdempotencyKey {
	return IdempotencyKey{Reason: e.Reason, Reference: e.Reference, ReferenceLine: e.ReferenceLine, Key: e.Key}
}

// Status describes how an adjustment was handled.
type Status string

const (
	// StatusOK means the adjustment was applied.
	StatusOK Status = "ok"
	// StatusDuplicate means the same idempotency tuple was applied before.
	StatusDuplicate Status = "duplicate"
	// StatusUnchanged means a count matched the balance and nothing was written.
	StatusUnchanged Status = "unchanged"
)

// AdjustInput describes a request to change on-hand quantity.
type AdjustInput struct {
	Key           Key
	Delta         decimal.Decimal
	Reason        Reason
	Reference     string
	ReferenceLine string
	// AllowOverdraft authorizes the balance to go negative.
	AllowOverdraft bool
	OccurredAt     time.Time
	TraceID        string
	ActorID        int64
	// Batch carries lot metadata materialized on positive adjustments.
	Batch *BatchInput
}

// AdjustResult reports the outcome of an adjustment.
type AdjustResult struct {
	Status        Status
	AfterQuantity decimal.Decimal
	Entry         LedgerEntry
}

// CountInput records the physically counted quantity of one slot.
type CountInput struct {
	Key           Key
	Actual        decimal.Decimal
	Reference     string
	ReferenceLine string
	OccurredAt    time.Time
	TraceID       string
	ActorID       int64
}

// MoveInput relocates a quantity of one batch between two warehouses.
type MoveInput struct {
	ItemID          int64
	BatchCode       string
	FromWarehouseID int64
	ToWarehouseID   int64
	Quantity        decimal.Decimal
	Reference       string
	ReferenceLine   string
	OccurredAt      time.Time
	TraceID         string
	ActorID         int64
}

// MoveResult holds both legs of a move. Out is the source deduction.
type MoveResult struct {
	Status Status
	Out    AdjustResult
	In     AdjustResult
}

// HistoryFilter selects ledger entries of a slot.
type HistoryFilter struct {
	Key   Key
	From  time.Time
	To    time.Time
	Limit int
}

// Scope narrows reconciliation. Zero ids mean all.
type Scope struct {
	WarehouseID int64
	ItemID      int64
	// SnapshotDate enables comparison against stored snapshot rows.
	SnapshotDate time.Time
}

// Matches reports whether key falls inside the scope.
func (s Scope) Matches(k Key) bool {
	if s.WarehouseID != 0 && s.WarehouseID != k.WarehouseID {
		return false
	}
	if s.ItemID != 0 && s.ItemID != k.ItemID {
		return false
	}
	return true
}

// ValidateQuantity rejects values with more fractional digits than the scale
// or a magnitude the quantity columns cannot store.
func ValidateQuantity(q decimal.Decimal) error {
	if !q.Equal(q.Truncate(QuantityScale)) {
		return fmt.Errorf("%w: %s exceeds scale %d", ErrInvalidQuantity, q.String(), QuantityScale)
	}
	if q.Abs().GreaterThanOrEqual(MaxQuantity) {
		return fmt.Errorf("%w: %s out of range", ErrInvalidQuantity, q.String())
	}
	return nil
}
