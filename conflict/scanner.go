/*
Package conflict finds and heals negative stock balances.

PURPOSE:
  The writer never refuses a sale for lack of stock, so balances can go
  negative. This package surfaces those balances and heals them, always
  through the same single write path (stock.Writer).

STATE MACHINE:
  detected  -> Scan finds balance < 0 for a (product, location, variant)
  resolving -> Resolver writes one corrective movement
  gone      -> the next Scan no longer returns the key

  There is no persisted conflict record. A conflict is a derived view,
  recomputed on every scan, so scanning is side-effect free and a failed
  resolution simply shows up again.

SEE ALSO:
  - resolver.go: ADJUST, BACKORDER and REFUND
  - policy.go: automatic decisions
  - scheduler.go: periodic scans
*/
package conflict

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/stock"
)

// DefaultMaxReferences caps the reference documents attached to a conflict.
const DefaultMaxReferences = 10

// =============================================================================
// CONFLICT - A negative balance
// =============================================================================

type Conflict struct {
	Key       stock.BalanceKey
	Balance   int64
	Shortfall int64 // -Balance

	// References are the documents of the most recent decreases that
	// together cover the shortfall, newest first.
	References []string
}

// ScanFilter narrows a scan. The zero value scans everything.
type ScanFilter struct {
	ProductID    stock.ProductID
	LocationID   stock.LocationID
	MinShortfall int64
}

// BalanceReader is satisfied by *stock.Aggregator and by any stock.Store.
type BalanceReader interface {
	Balances(ctx context.Context, f stock.BalanceFilter) ([]stock.Balance, error)
}

// MovementReader is satisfied by any stock.Store.
type MovementReader interface {
	Movements(ctx context.Context, q stock.Query) ([]stock.Movement, error)
}

// =============================================================================
// SCANNER
// =============================================================================

// Scanner is a pure read over the ledger.
type Scanner struct {
	Balances      BalanceReader
	Movements     MovementReader // optional; no references without it
	MaxReferences int
	Logger        zerolog.Logger
}

func NewScanner(balances BalanceReader, movements MovementReader, logger zerolog.Logger) *Scanner {
	return &Scanner{
		Balances:      balances,
		Movements:     movements,
		MaxReferences: DefaultMaxReferences,
		Logger:        logger,
	}
}

// Scan returns every negative balance, largest shortfall first.
func (s *Scanner) Scan(ctx context.Context, f ScanFilter) ([]Conflict, error) {
	balances, err := s.Balances.Balances(ctx, stock.BalanceFilter{
		ProductID:    f.ProductID,
		LocationID:   f.LocationID,
		NegativeOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scan balances: %w", err)
	}

	conflicts := make([]Conflict, 0, len(balances))
	for _, b := range balances {
		if b.Quantity >= 0 || -b.Quantity < f.MinShortfall {
			continue
		}
		c := Conflict{Key: b.Key, Balance: b.Quantity, Shortfall: -b.Quantity}
		if c.References, err = s.References(ctx, b.Key, c.Shortfall); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Shortfall != conflicts[j].Shortfall {
			return conflicts[i].Shortfall > conflicts[j].Shortfall
		}
		return lessKey(conflicts[i].Key, conflicts[j].Key)
	})

	s.Logger.Debug().Int("conflicts", len(conflicts)).Msg("conflict scan finished")
	return conflicts, nil
}

// References walks the key's decreases newest first until they cover
// shortfall units and returns their distinct reference documents.
func (s *Scanner) References(ctx context.Context, key stock.BalanceKey, shortfall int64) ([]string, error) {
	if s.Movements == nil || shortfall <= 0 {
		return nil, nil
	}
	ms, err := s.Movements.Movements(ctx, stock.Query{
		ProductID:  key.ProductID,
		LocationID: key.LocationID,
		Variant:    stock.VariantKey(key.Variant),
		Descending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load movements for %s: %w", key, err)
	}

	limit := s.MaxReferences
	if limit <= 0 {
		limit = DefaultMaxReferences
	}

	var refs []string
	seen := make(map[string]bool)
	var covered int64
	for _, m := range ms {
		if covered >= shortfall || len(refs) >= limit {
			break
		}
		if m.Delta >= 0 {
			continue
		}
		covered += -m.Delta
		if m.ReferenceDoc != "" && !seen[m.ReferenceDoc] {
			seen[m.ReferenceDoc] = true
			refs = append(refs, m.ReferenceDoc)
		}
	}
	return refs, nil
}

func lessKey(a, b stock.BalanceKey) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.LocationID != b.LocationID {
		return a.LocationID < b.LocationID
	}
	return a.Variant < b.Variant
}
