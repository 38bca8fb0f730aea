/*
Package stock provides the inventory ledger engine.

PURPOSE:
  Stock is never a mutable counter. Every stock change (sale, return,
  count correction, initial load) is one immutable Movement appended to
  the ledger, and "current stock" is always the sum of movement deltas
  for a (product, location, variant) key.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: an immutable, signed ledger entry
  - ReasonCode: closed vocabulary explaining why a movement happened
  - Location: a store or warehouse that owns stock
  - BalanceKey / Balance: the derived grouping used by reads and scans

DESIGN PRINCIPLES:
  1. Append-only: movements are never updated or deleted
  2. Derived balances: SUM(delta) GROUP BY (product, location, variant)
  3. Idempotency: the transaction id is the idempotency key
  4. Availability over strictness: writes never check sufficiency

SEE ALSO:
  - reason.go: Reason code taxonomy and sign rules
  - writer.go: The single write path
  - balance.go: Derived balance reads
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type ProductID string
type LocationID string

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

// Movement is one immutable entry in the ledger.
//
// Variant is empty for products without variants; stores persist the empty
// key as NULL, so an empty-string variant key can never exist.
type Movement struct {
	TransactionID TransactionID
	Seq           int64 // assigned by the store, strictly increasing
	ProductID     ProductID
	LocationID    LocationID
	Variant       variant.Key
	Delta         int64
	Reason        ReasonCode
	ReferenceDoc  string
	UnitCost      *decimal.Decimal // optional, positive movements only
	Actor         string
	CreatedAt     time.Time
}

// Key returns the balance partition this movement belongs to.
func (m Movement) Key() BalanceKey {
	return BalanceKey{ProductID: m.ProductID, LocationID: m.LocationID, Variant: m.Variant}
}

// =============================================================================
// LOCATION
// =============================================================================

type LocationType string

const (
	LocationTypeStore     LocationType = "store"
	LocationTypeWarehouse LocationType = "warehouse"
)

func (t LocationType) Valid() bool {
	return t == LocationTypeStore || t == LocationTypeWarehouse
}

type Location struct {
	ID   LocationID
	Name string
	Type LocationType
}

// =============================================================================
// BALANCE - Derived, never stored as a counter
// =============================================================================

// BalanceKey identifies one stock partition.
type BalanceKey struct {
	ProductID  ProductID
	LocationID LocationID
	Variant    variant.Key
}

func (k BalanceKey) String() string {
	v := string(k.Variant)
	if v == "" {
		v = "-"
	}
	return string(k.ProductID) + "@" + string(k.LocationID) + "/" + v
}

// Balance is SUM(delta) for a key.
type Balance struct {
	Key      BalanceKey
	Quantity int64
}

// BalanceFilter narrows grouped balance reads. Empty fields match everything.
type BalanceFilter struct {
	ProductID    ProductID
	LocationID   LocationID
	NegativeOnly bool
	UpToSeq      int64 // 0 = no upper bound
}

// Matches reports whether a movement falls inside the filter's selection
// (NegativeOnly applies to the grouped sum, not to single movements).
func (f BalanceFilter) Matches(m Movement) bool {
	if f.ProductID != "" && m.ProductID != f.ProductID {
		return false
	}
	if f.LocationID != "" && m.LocationID != f.LocationID {
		return false
	}
	if f.UpToSeq > 0 && m.Seq > f.UpToSeq {
		return false
	}
	return true
}

// =============================================================================
// QUERY - Store-level selection of movements
// =============================================================================

// Query selects movements for Sum and Movements.
type Query struct {
	ProductID    ProductID
	LocationID   LocationID // empty = all locations
	Variant      VariantFilter
	ReferenceDoc string // optional exact match
	AfterSeq     int64  // only movements with Seq > AfterSeq
	UpToSeq      int64  // 0 = no upper bound
	Limit        int    // Movements only; 0 = no limit
	Descending   bool   // Movements only
}

// Matches reports whether m is selected by q. Stores without a query
// language (memory) use it directly.
func (q Query) Matches(m Movement) bool {
	if q.ProductID != "" && m.ProductID != q.ProductID {
		return false
	}
	if q.LocationID != "" && m.LocationID != q.LocationID {
		return false
	}
	if !q.Variant.Matches(m.Variant) {
		return false
	}
	if q.ReferenceDoc != "" && m.ReferenceDoc != q.ReferenceDoc {
		return false
	}
	if m.Seq <= q.AfterSeq {
		return false
	}
	if q.UpToSeq > 0 && m.Seq > q.UpToSeq {
		return false
	}
	return true
}
