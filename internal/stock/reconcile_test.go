package stock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareSlotTotals(t *testing.T) {
	k1 := Key{WarehouseID: 1, ItemID: 1, BatchCode: NoBatch}
	k2 := Key{WarehouseID: 1, ItemID: 2, BatchCode: NoBatch}
	k3 := Key{WarehouseID: 2, ItemID: 1, BatchCode: "X"}

	got := CompareSlotTotals([]SlotTotal{
		{Key: k1, LedgerSum: qty("5"), Entries: 2, LatestAfter: qty("5"), BalanceQty: qty("5")},
		{Key: k3, LedgerSum: qty("4"), Entries: 1, LatestAfter: qty("3"), BalanceQty: qty("4")},
		{Key: k2, LedgerSum: qty("0"), Entries: 0, LatestAfter: qty("0"), BalanceQty: qty("2")},
	})

	require.Len(t, got, 2)
	assert.Equal(t, DivergenceLedgerBalance, got[0].Kind)
	assert.Equal(t, k2, got[0].Key)
	requireQty(t, "2", got[0].Difference())
	assert.Equal(t, DivergenceReplay, got[1].Kind)
	assert.Equal(t, k3, got[1].Key)
}

func TestCompareSnapshotCountsMissingAsZero(t *testing.T) {
	k1 := Key{WarehouseID: 1, ItemID: 1, BatchCode: "A"}
	k2 := Key{WarehouseID: 1, ItemID: 1, BatchCode: "B"}
	k3 := Key{WarehouseID: 1, ItemID: 1, BatchCode: "C"}

	got := CompareSnapshot(
		[]SnapshotRow{{Key: k1, Quantity: qty("3")}, {Key: k2, Quantity: qty("1")}},
		[]SnapshotRow{{Key: k1, Quantity: qty("3")}, {Key: k3, Quantity: qty("7")}},
	)

	require.Len(t, got, 2)
	assert.Equal(t, k2, got[0].Key)
	requireQty(t, "1", got[0].LedgerSum)
	requireQty(t, "0", got[0].BalanceQty)
	assert.Equal(t, k3, got[1].Key)
	requireQty(t, "0", got[1].LedgerSum)
	requireQty(t, "7", got[1].BalanceQty)
}

func TestReconcileCleanAfterAdjustments(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store, EngineConfig{})
	ctx := context.Background()
	key := Key{WarehouseID: 1, ItemID: 1, BatchCode: "NEAR"}

	_, err := engine.Adjust(ctx, adjustInput(key, "10", ReasonInbound, "PO-1", "1"))
	require.NoError(t, err)
	_, err = engine.Adjust(ctx, adjustInput(key, "-7", ReasonPick, "PW-1", "OUT"))
	require.NoError(t, err)

	divergences, err := NewReconciler(store, testLogger()).Reconcile(ctx, Scope{})
	require.NoError(t, err)
	require.Empty(t, divergences)
}

func TestReconcileReportsCorruptionWithoutFixing(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store, EngineConfig{})
	ctx := context.Background()
	key := Key{WarehouseID: 1, ItemID: 1, BatchCode: NoBatch}
	other := Key{WarehouseID: 2, ItemID: 1, BatchCode: NoBatch}

	_, err := engine.Adjust(ctx, adjustInput(key, "10", ReasonInbound, "PO-1", "1"))
	require.NoError(t, err)
	_, err = engine.Adjust(ctx, adjustInput(other, "1", ReasonInbound, "PO-2", "1"))
	require.NoError(t, err)
	store.corruptBalance(key, qty("12"))

	reconciler := NewReconciler(store, testLogger())
	divergences, err := reconciler.Reconcile(ctx, Scope{})
	require.NoError(t, err)
	require.Len(t, divergences, 1)
	d := divergences[0]
	assert.Equal(t, DivergenceLedgerBalance, d.Kind)
	assert.Equal(t, key, d.Key)
	requireQty(t, "10", d.LedgerSum)
	requireQty(t, "12", d.BalanceQty)
	requireQty(t, "12", store.balance(key))

	scoped, err := reconciler.Reconcile(ctx, Scope{WarehouseID: 2})
	require.NoError(t, err)
	require.Empty(t, scoped)
}

func TestSnapshotRebuildAndCompare(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store, EngineConfig{})
	ctx := context.Background()
	key := Key{WarehouseID: 1, ItemID: 5}
	snapDay := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)

	in := adjustInput(key, "8", ReasonInbound, "PO-S", "1")
	in.OccurredAt = snapDay.Add(9 * time.Hour)
	_, err := engine.Adjust(ctx, in)
	require.NoError(t, err)
	in = adjustInput(key, "-3", ReasonPick, "PW-S", "1")
	in.OccurredAt = snapDay.Add(30 * time.Hour)
	_, err = engine.Adjust(ctx, in)
	require.NoError(t, err)

	snapshotter := NewSnapshotter(store, testLogger())
	summary, err := snapshotter.Rebuild(ctx, snapDay.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, snapDay, summary.SnapshotDate)
	assert.Equal(t, int64(1), summary.Slots)
	requireQty(t, "8", summary.TotalQuantity)

	reconciler := NewReconciler(store, testLogger())
	divergences, err := reconciler.Reconcile(ctx, Scope{SnapshotDate: snapDay})
	require.NoError(t, err)
	require.Empty(t, divergences)

	// A backdated entry makes the stored snapshot stale.
	in = adjustInput(key, "1", ReasonCountAdjust, "CC-S", "1")
	in.OccurredAt = snapDay.Add(time.Hour)
	_, err = engine.Adjust(ctx, in)
	require.NoError(t, err)

	divergences, err = reconciler.Reconcile(ctx, Scope{SnapshotDate: snapDay})
	require.NoError(t, err)
	require.Len(t, divergences, 1)
	assert.Equal(t, DivergenceSnapshot, divergences[0].Kind)
	requireQty(t, "9", divergences[0].LedgerSum)
	requireQty(t, "8", divergences[0].BalanceQty)

	_, err = snapshotter.Rebuild(ctx, snapDay)
	require.NoError(t, err)
	divergences, err = reconciler.Reconcile(ctx, Scope{SnapshotDate: snapDay})
	require.NoError(t, err)
	require.Empty(t, divergences)

	_, err = snapshotter.Rebuild(ctx, time.Time{})
	require.Error(t, err)
}

func TestSnapshotterHistoryNewestFirst(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(store, EngineConfig{})
	ctx := context.Background()
	key := Key{WarehouseID: 1, ItemID: 1}
	for i, delta := range []string{"5", "-1", "-2"} {
		_, err := engine.Adjust(ctx, adjustInput(key, delta, ReasonCountAdjust, "CC-H", string(rune('1'+i))))
		require.NoError(t, err)
	}

	snapshotter := NewSnapshotter(store, testLogger())
	entries, err := snapshotter.History(ctx, HistoryFilter{Key: key, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	requireQty(t, "2", entries[0].AfterQuantity)
	requireQty(t, "4", entries[1].AfterQuantity)

	_, err = snapshotter.History(ctx, HistoryFilter{Key: Key{ItemID: 1}})
	require.ErrorIs(t, err, ErrInvalidKey)
}
