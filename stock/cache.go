package stock

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE CACHE - Optional read acceleration
// =============================================================================
//
// Entries are keyed by product and a scope string. The writer invalidates a
// product's entries after every successful append; entries also expire after
// the aggregator's staleness bound, which caps how stale a read can be when
// an invalidation races a concurrent fill.

type BalanceCache interface {
	Get(ctx context.Context, productID ProductID, scope string) (int64, bool, error)
	Set(ctx context.Context, productID ProductID, scope string, qty int64, ttl time.Duration) error
	Invalidate(ctx context.Context, productID ProductID) error
}
