package stock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-wms/internal/shared"
)

// memoryStore mimics the PostgreSQL repository: slot rows and idempotency
// claims are exclusive locks held until the transaction ends, and writes are
// buffered until commit.
type memoryStore struct {
	mu          sync.Mutex
	lockTimeout time.Duration

	balances  map[Key]*Balance
	ledger    []LedgerEntry
	claims    map[IdempotencyKey]bool
	batches   map[string]Batch
	snapshots map[string][]SnapshotRow
	audits    []shared.AuditLog
	// auditErr fails every audit write when set.
	auditErr error

	rowLocks   map[Key]chan struct{}
	claimLocks map[IdempotencyKey]chan struct{}

	nextBalanceID int64
	nextEntryID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		lockTimeout: time.Second,
		balances:    make(map[Key]*Balance),
		claims:      make(map[IdempotencyKey]bool),
		batches:     make(map[string]Batch),
		snapshots:   make(map[string][]SnapshotRow),
		rowLocks:    make(map[Key]chan struct{}),
		claimLocks:  make(map[IdempotencyKey]chan struct{}),
	}
}

type memoryTx struct {
	store    *memoryStore
	held     []chan struct{}
	claims   []IdempotencyKey
	batches  []Batch
	setQty   map[int64]decimal.Decimal
	entries  []LedgerEntry
	audits   []shared.AuditLog
	balances map[int64]Key
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{store: s, setQty: make(map[int64]decimal.Decimal), balances: make(map[int64]Key)}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *memoryTx) acquire(ctx context.Context, lock chan struct{}) error {
	timer := time.NewTimer(tx.store.lockTimeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		tx.held = append(tx.held, lock)
		return nil
	case <-timer.C:
		return ErrContention
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memoryTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		<-tx.held[i]
	}
	tx.held = nil
}

func (tx *memoryTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range tx.claims {
		s.claims[c] = true
	}
	for _, b := range tx.batches {
		key := batchKey(b.ItemID, b.BatchCode)
		if _, ok := s.batches[key]; !ok {
			s.batches[key] = b
		}
	}
	for id, qty := range tx.setQty {
		if bal, ok := s.balances[tx.balances[id]]; ok {
			bal.Quantity = qty
		}
	}
	s.ledger = append(s.ledger, tx.entries...)
	s.audits = append(s.audits, tx.audits...)
}

func (s *memoryStore) rowLock(key Key) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.rowLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.rowLocks[key] = lock
	}
	return lock
}

func (s *memoryStore) claimLock(key IdempotencyKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.claimLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.claimLocks[key] = lock
	}
	return lock
}

func (tx *memoryTx) ClaimIdempotency(ctx context.Context, key IdempotencyKey) (bool, error) {
	if err := tx.acquire(ctx, tx.store.claimLock(key)); err != nil {
		return false, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.claims[key] {
		return false, nil
	}
	tx.claims = append(tx.claims, key)
	return true, nil
}

func (tx *memoryTx) FindEntry(ctx context.Context, key IdempotencyKey) (LedgerEntry, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, e := range tx.store.ledger {
		if e.IdempotencyKey() == key {
			return e, nil
		}
	}
	return LedgerEntry{}, ErrEntryNotFound
}

func (tx *memoryTx) EnsureBatch(ctx context.Context, batch Batch) error {
	tx.batches = append(tx.batches, batch)
	return nil
}

func (tx *memoryTx) GetOrCreateForUpdate(ctx context.Context, key Key) (Balance, error) {
	if err := tx.acquire(ctx, tx.store.rowLock(key)); err != nil {
		return Balance{}, err
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[key]
	if !ok {
		s.nextBalanceID++
		bal = &Balance{ID: s.nextBalanceID, Key: key, Quantity: decimal.Zero}
		s.balances[key] = bal
	}
	tx.balances[bal.ID] = key
	return *bal, nil
}

func (tx *memoryTx) SetQuantity(ctx context.Context, balanceID int64, qty decimal.Decimal, at time.Time) error {
	tx.setQty[balanceID] = qty
	return nil
}

func (tx *memoryTx) AppendEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	tx.store.mu.Lock()
	tx.store.nextEntryID++
	entry.ID = tx.store.nextEntryID
	tx.store.mu.Unlock()
	entry.CreatedAt = time.Now().UTC()
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	tx.store.mu.Lock()
	err := tx.store.auditErr
	tx.store.mu.Unlock()
	if err != nil {
		return err
	}
	tx.audits = append(tx.audits, log)
	return nil
}

func batchKey(itemID int64, code string) string {
	return Key{ItemID: itemID, BatchCode: code}.String()
}

// seedBatch registers expiry metadata directly.
func (s *memoryStore) seedBatch(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batchKey(b.ItemID, b.BatchCode)] = b
}

// corruptBalance overwrites a balance outside the engine.
func (s *memoryStore) corruptBalance(key Key, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[key].Quantity = qty
}

func (s *memoryStore) balance(key Key) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[key.Normalize()]; ok {
		return bal.Quantity
	}
	return decimal.Zero
}

func (s *memoryStore) entries(key Key) []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	key = key.Normalize()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

func (s *memoryStore) auditLogs() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.AuditLog(nil), s.audits...)
}

func (s *memoryStore) EntriesByReference(ctx context.Context, reason Reason, reference string, warehouseID, itemID int64) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.Reason == reason && e.Reference == reference && e.Key.WarehouseID == warehouseID && e.Key.ItemID == itemID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) ListSlots(ctx context.Context, warehouseID, itemID int64) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slots []Slot
	for key, bal := range s.balances {
		if key.WarehouseID != warehouseID || key.ItemID != itemID || !bal.Quantity.IsPositive() {
			continue
		}
		slot := Slot{BalanceID: bal.ID, BatchCode: key.BatchCode, Quantity: bal.Quantity}
		if b, ok := s.batches[batchKey(itemID, key.BatchCode)]; ok {
			slot.ExpiryDate = b.ExpiryDate
		}
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].BalanceID < slots[j].BalanceID })
	return slots, nil
}

func (s *memoryStore) SlotTotals(ctx context.Context, scope Scope) ([]SlotTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[Key]*SlotTotal)
	get := func(k Key) *SlotTotal {
		t, ok := totals[k]
		if !ok {
			t = &SlotTotal{Key: k}
			totals[k] = t
		}
		return t
	}
	for _, e := range s.ledger {
		if !scope.Matches(e.Key) {
			continue
		}
		t := get(e.Key)
		t.LedgerSum = t.LedgerSum.Add(e.Delta)
		t.LatestAfter = e.AfterQuantity
		t.Entries++
	}
	for key, bal := range s.balances {
		if scope.Matches(key) {
			get(key).BalanceQty = bal.Quantity
		}
	}
	out := make([]SlotTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out, nil
}

func (s *memoryStore) LedgerCut(ctx context.Context, before time.Time, scope Scope) ([]SnapshotRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutLocked(before, scope), nil
}

func (s *memoryStore) cutLocked(before time.Time, scope Scope) []SnapshotRow {
	sums := make(map[Key]decimal.Decimal)
	for _, e := range s.ledger {
		if scope.Matches(e.Key) && e.OccurredAt.Before(before) {
			sums[e.Key] = sums[e.Key].Add(e.Delta)
		}
	}
	out := make([]SnapshotRow, 0, len(sums))
	for k, q := range sums {
		out = append(out, SnapshotRow{Key: k, Quantity: q})
	}
	return out
}

func (s *memoryStore) SnapshotRows(ctx context.Context, date time.Time, scope Scope) ([]SnapshotRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SnapshotRow
	for _, row := range s.snapshots[dateOnly(date).Format(time.DateOnly)] {
		if scope.Matches(row.Key) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memoryStore) RebuildSnapshot(ctx context.Context, date time.Time) (SnapshotSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := dateOnly(date)
	summary := SnapshotSummary{SnapshotDate: day, TotalQuantity: decimal.Zero}
	var rows []SnapshotRow
	for _, row := range s.cutLocked(day.AddDate(0, 0, 1), Scope{}) {
		if row.Quantity.IsZero() {
			continue
		}
		rows = append(rows, row)
		summary.Slots++
		summary.TotalQuantity = summary.TotalQuantity.Add(row.Quantity)
	}
	s.snapshots[day.Format(time.DateOnly)] = rows
	return summary, nil
}

func (s *memoryStore) History(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error) {
	entries := s.entries(filter.Key)
	var out []LedgerEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.OccurredAt.Before(filter.To) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
