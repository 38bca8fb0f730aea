/*
balance.go - Derived stock balances

PURPOSE:
  Current stock is SUM(delta) over the ledger for a scope. Nothing here
  writes to the ledger; every method is a pure read.

READ PATH:
  1. Cache (optional): hit if younger than StalenessBound and not
     invalidated by a write since it was filled
  2. Snapshot (optional): latest product snapshot + movements after its
     watermark
  3. Ledger: full SUM over the store

SCOPES:
  CurrentStock needs an explicit variant scope: whole-product stock
  (AllVariants) and the non-variant partition (NoVariant) are different
  numbers for a product that has both.

SEE ALSO:
  - snapshot.go: how snapshots are taken
  - variant: declared keys for ListVariantStock
*/
package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/variant"
)

// DefaultStalenessBound caps how old a cached balance may be.
const DefaultStalenessBound = 2 * time.Second

// Aggregator computes balances from the ledger.
type Aggregator struct {
	Store          Store
	Catalog        variant.Catalog // for ListVariantStock
	Snapshots      SnapshotStore   // optional
	Cache          BalanceCache    // optional
	StalenessBound time.Duration
	Logger         zerolog.Logger
}

func NewAggregator(store Store, catalog variant.Catalog, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		Store:          store,
		Catalog:        catalog,
		StalenessBound: DefaultStalenessBound,
		Logger:         logger,
	}
}

// CurrentStock returns the balance for a scope.
func (a *Aggregator) CurrentStock(ctx context.Context, s Scope) (int64, error) {
	if err := s.validate(); err != nil {
		return 0, err
	}

	if a.Cache != nil && a.StalenessBound > 0 {
		qty, ok, err := a.Cache.Get(ctx, s.ProductID, s.cacheKey())
		if err != nil {
			a.Logger.Warn().Err(err).Str("product_id", string(s.ProductID)).Msg("balance cache read failed")
		} else if ok {
			balanceReads.WithLabelValues("cache").Inc()
			return qty, nil
		}
	}

	start := time.Now()
	qty, source, err := a.compute(ctx, s)
	if err != nil {
		return 0, err
	}
	balanceReadDuration.Observe(time.Since(start).Seconds())
	balanceReads.WithLabelValues(source).Inc()

	if a.Cache != nil && a.StalenessBound > 0 {
		if err := a.Cache.Set(ctx, s.ProductID, s.cacheKey(), qty, a.StalenessBound); err != nil {
			a.Logger.Warn().Err(err).Str("product_id", string(s.ProductID)).Msg("balance cache write failed")
		}
	}
	return qty, nil
}

func (a *Aggregator) compute(ctx context.Context, s Scope) (int64, string, error) {
	q := s.query()
	var base int64
	source := "ledger"

	if a.Snapshots != nil {
		snap, err := a.Snapshots.LatestSnapshot(ctx, s.ProductID)
		if err != nil {
			return 0, "", fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			for _, b := range snap.Balances {
				if (s.LocationID == "" || b.Key.LocationID == s.LocationID) && s.Variant.Matches(b.Key.Variant) {
					base += b.Quantity
				}
			}
			q.AfterSeq = snap.Seq
			source = "snapshot"
		}
	}

	delta, err := a.Store.Sum(ctx, q)
	if err != nil {
		return 0, "", fmt.Errorf("sum movements: %w", err)
	}
	return base + delta, source, nil
}

// ListVariantStock returns a balance for every currently declared variant
// key (zero when never moved) merged with every historical key that still
// has movements in the ledger. Empty locationID spans all locations.
//
// The non-variant partition is included under the empty key only when it
// has movements.
func (a *Aggregator) ListVariantStock(ctx context.Context, productID ProductID, locationID LocationID) (map[variant.Key]int64, error) {
	if productID == "" {
		return nil, &InvalidScopeError{Reason: "product id is required"}
	}

	out := make(map[variant.Key]int64)
	if a.Catalog != nil {
		def, err := a.Catalog.Definition(ctx, string(productID))
		if err != nil {
			return nil, fmt.Errorf("load variant definition: %w", err)
		}
		keys, err := variant.Expand(def)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out[k] = 0
		}
	}

	balances, err := a.Balances(ctx, BalanceFilter{ProductID: productID, LocationID: locationID})
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		out[b.Key.Variant] += b.Quantity
	}
	return out, nil
}

// VariantStock is one row of the variant-stock management view.
type VariantStock struct {
	Key      variant.Key
	Quantity int64
	Declared bool // false for historical keys no longer in the definition
}

// VariantStockView is ListVariantStock ordered for display: declared keys
// in expansion order, then historical keys sorted.
func (a *Aggregator) VariantStockView(ctx context.Context, productID ProductID, locationID LocationID) ([]VariantStock, error) {
	stock, err := a.ListVariantStock(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}

	var declared []variant.Key
	if a.Catalog != nil {
		def, err := a.Catalog.Definition(ctx, string(productID))
		if err != nil {
			return nil, err
		}
		if declared, err = variant.Expand(def); err != nil {
			return nil, err
		}
	}

	rows := make([]VariantStock, 0, len(stock))
	isDeclared := make(map[variant.Key]bool, len(declared))
	for _, k := range declared {
		isDeclared[k] = true
		rows = append(rows, VariantStock{Key: k, Quantity: stock[k], Declared: true})
	}
	var historical []variant.Key
	for k := range stock {
		if !isDeclared[k] {
			historical = append(historical, k)
		}
	}
	sort.Slice(historical, func(i, j int) bool { return historical[i] < historical[j] })
	for _, k := range historical {
		rows = append(rows, VariantStock{Key: k, Quantity: stock[k]})
	}
	return rows, nil
}

// Balances returns grouped balances, snapshot-accelerated when a product
// filter is set and a snapshot exists.
func (a *Aggregator) Balances(ctx context.Context, f BalanceFilter) ([]Balance, error) {
	if a.Snapshots == nil || f.ProductID == "" || f.UpToSeq > 0 {
		return a.Store.Balances(ctx, f)
	}

	snap, err := a.Snapshots.LatestSnapshot(ctx, f.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return a.Store.Balances(ctx, f)
	}

	sums := make(map[BalanceKey]int64)
	for _, b := range snap.Balances {
		if f.LocationID == "" || b.Key.LocationID == f.LocationID {
			sums[b.Key] += b.Quantity
		}
	}
	recent, err := a.Store.Movements(ctx, Query{ProductID: f.ProductID, LocationID: f.LocationID, AfterSeq: snap.Seq})
	if err != nil {
		return nil, err
	}
	for _, m := range recent {
		sums[m.Key()] += m.Delta
	}
	return SortBalances(sums, f.NegativeOnly), nil
}

// SortBalances flattens grouped sums in key order. Stores share it so every
// backend returns the same ordering.
func SortBalances(sums map[BalanceKey]int64, negativeOnly bool) []Balance {
	out := make([]Balance, 0, len(sums))
	for k, q := range sums {
		if negativeOnly && q >= 0 {
			continue
		}
		out = append(out, Balance{Key: k, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out
}

func lessKey(a, b BalanceKey) bool {
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	if a.LocationID != b.LocationID {
		return a.LocationID < b.LocationID
	}
	return a.Variant < b.Variant
}

// =============================================================================
// HISTORY - Movements with running balance
// =============================================================================

// HistoryEntry pairs a movement with the scope balance right after it.
type HistoryEntry struct {
	Movement Movement
	Balance  int64
}

// History returns the scope's movements oldest first with a running
// balance. limit > 0 keeps only the most recent entries (the running
// balance still starts from the beginning of the ledger).
func (a *Aggregator) History(ctx context.Context, s Scope, limit int) ([]HistoryEntry, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	ms, err := a.Store.Movements(ctx, s.query())
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, len(ms))
	var running int64
	for i, m := range ms {
		running += m.Delta
		entries[i] = HistoryEntry{Movement: m, Balance: running}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
