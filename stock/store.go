/*
store.go - Persistence contracts for the ledger

APPEND-ONLY CONTRACT:
  Store has Append and AppendBatch and nothing else that writes movements.
  There is no Update and no Delete. Corrections are new movements.

IDEMPOTENCY:
  TransactionID is unique. Appending an existing id fails with a
  *DuplicateMovementError and writes nothing.

ATOMIC BATCHES:
  AppendBatch is all-or-nothing. A three-line order either lands as three
  rows or as none.

ISOLATION:
  Sum, Balances and Movements must never observe rows of an uncommitted
  batch (read-committed or better). They may miss a batch that commits
  concurrently with the read.

IMPLEMENTATIONS:
  - stock/store/memory.go: in-memory, for tests and dev
  - store/sqlite: SQLite with WAL
  - store/postgres: PostgreSQL via pgx

SEE ALSO:
  - writer.go: validation happens before the store is called
  - balance.go: reads built on Sum and Balances
*/
package stock

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Append-only movement persistence
// =============================================================================

type Store interface {
	// Append persists one movement and assigns its Seq.
	Append(ctx context.Context, m Movement) error

	// AppendBatch persists movements atomically, in order.
	AppendBatch(ctx context.Context, ms []Movement) error

	// Exists reports whether a transaction id was recorded.
	Exists(ctx context.Context, id TransactionID) (bool, error)

	// Get returns one movement or ErrNotFound.
	Get(ctx context.Context, id TransactionID) (Movement, error)

	// Sum returns SUM(delta) of the selected movements (0 when none).
	Sum(ctx context.Context, q Query) (int64, error)

	// Balances groups by (product, location, variant).
	Balances(ctx context.Context, f BalanceFilter) ([]Balance, error)

	// Movements lists selected movements ordered by Seq.
	Movements(ctx context.Context, q Query) ([]Movement, error)

	// MaxSeq returns the highest Seq created at or before the given time.
	MaxSeq(ctx context.Context, before time.Time) (int64, error)
}

// LocationStore holds the location directory the writer validates against.
type LocationStore interface {
	SaveLocation(ctx context.Context, loc Location) error
	GetLocation(ctx context.Context, id LocationID) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
}

// =============================================================================
// SNAPSHOTS - Bounded incremental aggregation
// =============================================================================

// Snapshot freezes every balance of one product up to Seq. Reads add
// movements with Seq > snapshot.Seq on top.
type Snapshot struct {
	ProductID ProductID
	Seq       int64
	Balances  []Balance
	TakenAt   time.Time
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error

	// LatestSnapshot returns nil, nil when the product has none.
	LatestSnapshot(ctx context.Context, productID ProductID) (*Snapshot, error)
}
