package stock

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) *time.Time {
	d := time.Date(2025, 1, n, 0, 0, 0, 0, time.UTC)
	return &d
}

var fefoAsOf = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func TestAllocateFEFOOrdersByExpiry(t *testing.T) {
	slots := []Slot{
		{BalanceID: 1, BatchCode: "B2", Quantity: qty("3"), ExpiryDate: day(10)},
		{BalanceID: 2, BatchCode: "B1", Quantity: qty("3"), ExpiryDate: day(5)},
	}
	plan := AllocateFEFO(slots, qty("4"), PlanOptions{AsOf: fefoAsOf})

	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "B1", plan.Lines[0].BatchCode)
	requireQty(t, "3", plan.Lines[0].Quantity)
	assert.Equal(t, "B2", plan.Lines[1].BatchCode)
	requireQty(t, "1", plan.Lines[1].Quantity)
	assert.False(t, plan.Insufficient)
	requireQty(t, "4", plan.Allocated)
	requireQty(t, "0", plan.Shortfall)
}

func TestAllocateFEFOUndatedLast(t *testing.T) {
	slots := []Slot{
		{BalanceID: 1, BatchCode: "A-NODATE", Quantity: qty("5")},
		{BalanceID: 2, BatchCode: "Z-DATED", Quantity: qty("2"), ExpiryDate: day(20)},
	}
	plan := AllocateFEFO(slots, qty("3"), PlanOptions{AsOf: fefoAsOf})

	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "Z-DATED", plan.Lines[0].BatchCode)
	assert.Equal(t, "A-NODATE", plan.Lines[1].BatchCode)
	requireQty(t, "1", plan.Lines[1].Quantity)
}

func TestAllocateFEFOTieBreak(t *testing.T) {
	slots := []Slot{
		{BalanceID: 7, BatchCode: "A", Quantity: qty("1"), ExpiryDate: day(9)},
		{BalanceID: 3, BatchCode: "C", Quantity: qty("1"), ExpiryDate: day(9)},
		{BalanceID: 5, BatchCode: "B", Quantity: qty("1"), ExpiryDate: day(9)},
	}

	byCode := AllocateFEFO(slots, qty("3"), PlanOptions{AsOf: fefoAsOf})
	assert.Equal(t, []string{"A", "B", "C"}, batchCodes(byCode))

	byID := AllocateFEFO(slots, qty("3"), PlanOptions{AsOf: fefoAsOf, TieBreak: TieBreakBalanceID})
	assert.Equal(t, []string{"C", "B", "A"}, batchCodes(byID))
}

func TestAllocateFEFOPartial(t *testing.T) {
	slots := []Slot{
		{BalanceID: 1, BatchCode: "B1", Quantity: qty("1.5"), ExpiryDate: day(4)},
		{BalanceID: 2, BatchCode: "B2", Quantity: qty("0"), ExpiryDate: day(2)},
		{BalanceID: 3, BatchCode: "B3", Quantity: qty("-1"), ExpiryDate: day(2)},
	}
	plan := AllocateFEFO(slots, qty("4"), PlanOptions{AsOf: fefoAsOf})

	require.True(t, plan.Insufficient)
	require.Len(t, plan.Lines, 1)
	requireQty(t, "1.5", plan.Allocated)
	requireQty(t, "2.5", plan.Shortfall)
}

func TestAllocateFEFOSkipsExpired(t *testing.T) {
	asOf := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	slots := []Slot{
		{BalanceID: 1, BatchCode: "OLD", Quantity: qty("5"), ExpiryDate: day(5)},
		{BalanceID: 2, BatchCode: "TODAY", Quantity: qty("1"), ExpiryDate: day(6)},
		{BalanceID: 3, BatchCode: "NEW", Quantity: qty("5"), ExpiryDate: day(30)},
	}

	plan := AllocateFEFO(slots, qty("3"), PlanOptions{AsOf: asOf})
	assert.Equal(t, []string{"TODAY", "NEW"}, batchCodes(plan))

	plan = AllocateFEFO(slots, qty("3"), PlanOptions{AsOf: asOf, AllowExpired: true})
	assert.Equal(t, []string{"OLD"}, batchCodes(plan))
}

func TestAllocatorPlanReadsBalances(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store, EngineConfig{})
	ctx := context.Background()

	store.seedBatch(Batch{ItemID: 1, BatchCode: "LATE", ExpiryDate: day(28)})
	store.seedBatch(Batch{ItemID: 1, BatchCode: "SOON", ExpiryDate: day(12)})
	for i, code := range []string{"LATE", "SOON"} {
		_, err := engine.Adjust(ctx, adjustInput(Key{WarehouseID: 1, ItemID: 1, BatchCode: code}, "3", ReasonInbound, "PO-F", string(rune('1'+i))))
		require.NoError(t, err)
	}

	allocator := NewAllocator(store, AllocatorConfig{})
	plan, err := allocator.Plan(ctx, 1, 1, qty("4"), PlanOptions{AsOf: fefoAsOf})
	require.NoError(t, err)
	assert.Equal(t, []string{"SOON", "LATE"}, batchCodes(plan))
	assert.Equal(t, int64(1), plan.WarehouseID)

	_, err = allocator.Plan(ctx, 1, 1, qty("0"), PlanOptions{})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = allocator.Plan(ctx, 0, 1, qty("1"), PlanOptions{})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, TieBreakBatchCode, tb)
	tb, err = ParseTieBreak("Balance_ID")
	require.NoError(t, err)
	assert.Equal(t, TieBreakBalanceID, tb)
	_, err = ParseTieBreak("random")
	require.Error(t, err)
}

func batchCodes(plan Plan) []string {
	codes := make([]string, 0, len(plan.Lines))
	for _, l := range plan.Lines {
		codes = append(codes, l.BatchCode)
	}
	return codes
}

func TestAllocateFEFOFullPlan(t *testing.T) {
	slots := []Slot{
		{BalanceID: 4, BatchCode: NoBatch, Quantity: qty("10")},
		{BalanceID: 2, BatchCode: "L-0301", Quantity: qty("2.250"), ExpiryDate: day(30)},
		{BalanceID: 3, BatchCode: "L-0215", Quantity: qty("1"), ExpiryDate: day(15)},
	}
	got := AllocateFEFO(slots, qty("5"), PlanOptions{AsOf: fefoAsOf})

	want := Plan{
		Lines: []AllocationLine{
			{BalanceID: 3, BatchCode: "L-0215", Quantity: qty("1"), ExpiryDate: day(15)},
			{BalanceID: 2, BatchCode: "L-0301", Quantity: qty("2.25"), ExpiryDate: day(30)},
			{BalanceID: 4, BatchCode: NoBatch, Quantity: qty("1.75")},
		},
		Required:  qty("5"),
		Allocated: qty("5"),
		Shortfall: qty("0"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}
