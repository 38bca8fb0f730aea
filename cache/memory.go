// Package cache implements stock.BalanceCache in process memory and in
// Redis.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/warp/stock-ledger/stock"
)

type entry struct {
	qty     int64
	expires time.Time
}

// Memory is a per-process balance cache.
type Memory struct {
	mu      sync.Mutex
	entries map[stock.ProductID]map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[stock.ProductID]map[string]entry), now: time.Now}
}

var _ stock.BalanceCache = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, productID stock.ProductID, scope string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[productID][scope]
	if !ok {
		return 0, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries[productID], scope)
		return 0, false, nil
	}
	return e.qty, true, nil
}

func (m *Memory) Set(_ context.Context, productID stock.ProductID, scope string, qty int64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes, ok := m.entries[productID]
	if !ok {
		scopes = make(map[string]entry)
		m.entries[productID] = scopes
	}
	scopes[scope] = entry{qty: qty, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, productID stock.ProductID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, productID)
	return nil
}

// Len returns the number of live and expired entries held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, scopes := range m.entries {
		n += len(scopes)
	}
	return n
}
