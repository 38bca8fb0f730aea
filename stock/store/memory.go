// Package store provides an in-memory implementation of the ledger stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements stock.Store, stock.LocationStore, stock.SnapshotStore
// and variant.Catalog. Batches are applied under one lock, so readers never
// see half a batch.
type Memory struct {
	mu          sync.RWMutex
	movements   []stock.Movement // ordered by Seq
	byID        map[stock.TransactionID]int
	seq         int64
	locations   map[stock.LocationID]stock.Location
	snapshots   map[stock.ProductID][]stock.Snapshot
	definitions map[string][]variant.Version
}

func NewMemory() *Memory {
	return &Memory{
		byID:        make(map[stock.TransactionID]int),
		locations:   make(map[stock.LocationID]stock.Location),
		snapshots:   make(map[stock.ProductID][]stock.Snapshot),
		definitions: make(map[string][]variant.Version),
	}
}

var (
	_ stock.Store         = (*Memory)(nil)
	_ stock.LocationStore = (*Memory)(nil)
	_ stock.SnapshotStore = (*Memory)(nil)
	_ variant.Catalog     = (*Memory)(nil)
)

// Append adds a single movement. Append-only.
func (m *Memory) Append(_ context.Context, mv stock.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[mv.TransactionID]; ok {
		return &stock.DuplicateMovementError{TransactionID: mv.TransactionID}
	}
	m.appendLocked(mv)
	return nil
}

// AppendBatch adds multiple movements atomically.
func (m *Memory) AppendBatch(_ context.Context, mvs []stock.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every id first (atomic check)
	seen := make(map[stock.TransactionID]bool, len(mvs))
	for _, mv := range mvs {
		if _, ok := m.byID[mv.TransactionID]; ok || seen[mv.TransactionID] {
			return &stock.DuplicateMovementError{TransactionID: mv.TransactionID}
		}
		seen[mv.TransactionID] = true
	}

	for _, mv := range mvs {
		m.appendLocked(mv)
	}
	return nil
}

func (m *Memory) appendLocked(mv stock.Movement) {
	m.seq++
	mv.Seq = m.seq
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now().UTC()
	}
	m.byID[mv.TransactionID] = len(m.movements)
	m.movements = append(m.movements, mv)
}

func (m *Memory) Exists(_ context.Context, id stock.TransactionID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, id stock.TransactionID) (stock.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return stock.Movement{}, stock.ErrNotFound
	}
	return m.movements[i], nil
}

func (m *Memory) Sum(_ context.Context, q stock.Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, mv := range m.movements {
		if q.Matches(mv) {
			sum += mv.Delta
		}
	}
	return sum, nil
}

func (m *Memory) Balances(_ context.Context, f stock.BalanceFilter) ([]stock.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[stock.BalanceKey]int64)
	for _, mv := range m.movements {
		if f.Matches(mv) {
			sums[mv.Key()] += mv.Delta
		}
	}
	return stock.SortBalances(sums, f.NegativeOnly), nil
}

func (m *Memory) Movements(_ context.Context, q stock.Query) ([]stock.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []stock.Movement
	for _, mv := range m.movements {
		if q.Matches(mv) {
			out = append(out, mv)
		}
	}
	if q.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) MaxSeq(_ context.Context, before time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var maxSeq int64
	for _, mv := range m.movements {
		if !mv.CreatedAt.After(before) && mv.Seq > maxSeq {
			maxSeq = mv.Seq
		}
	}
	return maxSeq, nil
}

// =============================================================================
// LOCATIONS
// =============================================================================

func (m *Memory) SaveLocation(_ context.Context, loc stock.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.ID] = loc
	return nil
}

func (m *Memory) GetLocation(_ context.Context, id stock.LocationID) (stock.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[id]
	if !ok {
		return stock.Location{}, stock.ErrNotFound
	}
	return loc, nil
}

func (m *Memory) ListLocations(_ context.Context) ([]stock.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]stock.Location, 0, len(m.locations))
	for _, loc := range m.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) SaveSnapshot(_ context.Context, s stock.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Balances = append([]stock.Balance(nil), s.Balances...)
	m.snapshots[s.ProductID] = append(m.snapshots[s.ProductID], s)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, productID stock.ProductID) (*stock.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[productID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Seq > latest.Seq {
			latest = s
		}
	}
	return &latest, nil
}

// =============================================================================
// VARIANT CATALOG
// =============================================================================

func (m *Memory) SaveDefinition(_ context.Context, productID string, def variant.Definition) error {
	if err := variant.Validate(def); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(variant.Definition, len(def))
	for axis, values := range def {
		cp[axis] = append([]string(nil), values...)
	}
	versions := m.definitions[productID]
	m.definitions[productID] = append(versions, variant.Version{
		ProductID:  productID,
		Number:     len(versions) + 1,
		Definition: cp,
		SavedAt:    time.Now().UTC(),
	})
	return nil
}

func (m *Memory) Definition(_ context.Context, productID string) (variant.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[productID]
	if len(versions) == 0 {
		return variant.Definition{}, nil
	}
	return versions[len(versions)-1].Definition, nil
}

func (m *Memory) DefinitionHistory(_ context.Context, productID string) ([]variant.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]variant.Version(nil), m.definitions[productID]...), nil
}
