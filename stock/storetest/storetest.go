// Package storetest is the behavioural suite every stock.Store backend must
// pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// Backend is everything a full ledger store provides.
type Backend interface {
	stock.Store
	stock.LocationStore
	stock.SnapshotStore
	variant.Catalog
}

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) Backend

// Run executes the suite against fresh backends.
func Run(t *testing.T, newBackend Factory) {
	tests := map[string]func(*testing.T, Backend){
		"AppendAssignsSeq":          testAppendAssignsSeq,
		"DuplicateTransactionID":    testDuplicate,
		"BatchIsAtomic":             testBatchIsAtomic,
		"SumByScope":                testSumByScope,
		"BalancesGroupedAndSorted":  testBalances,
		"MovementsOrderAndFilters":  testMovements,
		"MaxSeqBefore":              testMaxSeq,
		"Locations":                 testLocations,
		"Snapshots":                 testSnapshots,
		"VariantDefinitionVersions": testDefinitions,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			seedLocations(t, b)
			fn(t, b)
		})
	}
}

func seedLocations(t *testing.T, b Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveLocation(ctx, stock.Location{ID: "L1", Name: "Shop", Type: stock.LocationTypeStore}))
	require.NoError(t, b.SaveLocation(ctx, stock.Location{ID: "L2", Name: "Depot", Type: stock.LocationTypeWarehouse}))
}

var base = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func mv(id string, product stock.ProductID, loc stock.LocationID, v variant.Key, delta int64, at time.Time) stock.Movement {
	reason := stock.ReasonRestock
	ref := ""
	if delta < 0 {
		reason = stock.ReasonSalePOS
		ref = "order-" + id
	}
	return stock.Movement{
		TransactionID: stock.TransactionID(id),
		ProductID:     product,
		LocationID:    loc,
		Variant:       v,
		Delta:         delta,
		Reason:        reason,
		ReferenceDoc:  ref,
		CreatedAt:     at,
	}
}

func appendAll(t *testing.T, b Backend, ms ...stock.Movement) {
	t.Helper()
	for _, m := range ms {
		require.NoError(t, b.Append(context.Background(), m))
	}
}

func testAppendAssignsSeq(t *testing.T, b Backend) {
	ctx := context.Background()
	cost := decimal.RequireFromString("12.5")
	first := mv("t1", "P", "L1", "", 10, base)
	first.UnitCost = &cost
	first.Actor = "alice"
	appendAll(t, b, first, mv("t2", "P", "L1", "Color:Red", -1, base))

	got, err := b.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Delta)
	assert.Equal(t, variant.Key(""), got.Variant)
	assert.Equal(t, "alice", got.Actor)
	require.NotNil(t, got.UnitCost)
	assert.True(t, cost.Equal(*got.UnitCost))
	assert.True(t, base.Equal(got.CreatedAt))

	second, err := b.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Greater(t, second.Seq, got.Seq)
	assert.Equal(t, variant.Key("Color:Red"), second.Variant)
	assert.Equal(t, "order-t2", second.ReferenceDoc)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

func testDuplicate(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b, mv("t1", "P", "L1", "", 5, base))

	err := b.Append(ctx, mv("t1", "P", "L1", "", 5, base))
	assert.ErrorIs(t, err, stock.ErrDuplicateMovement)

	exists, err := b.Exists(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, exists)

	sum, err := b.Sum(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)
}

func testBatchIsAtomic(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b, mv("t1", "P", "L1", "", 5, base))

	err := b.AppendBatch(ctx, []stock.Movement{
		mv("b1", "P", "L1", "", -1, base),
		mv("t1", "P", "L1", "", -1, base),
	})
	assert.ErrorIs(t, err, stock.ErrDuplicateMovement)

	exists, err := b.Exists(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.AppendBatch(ctx, []stock.Movement{
		mv("b2", "P", "L1", "", -1, base),
		mv("b3", "P", "L2", "", 1, base),
	}))
	sum, err := b.Sum(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)
}

func testSumByScope(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b,
		mv("t1", "P", "L1", "", 2, base),
		mv("t2", "P", "L1", "Color:Red", 5, base),
		mv("t3", "P", "L2", "Color:Red", 7, base),
		mv("t4", "P", "L1", "Color:Blue", -3, base),
		mv("t5", "Q", "L1", "", 100, base),
	)

	cases := []struct {
		name string
		q    stock.Query
		want int64
	}{
		{"product", stock.Query{ProductID: "P", Variant: stock.AllVariants()}, 11},
		{"product at L1", stock.Query{ProductID: "P", LocationID: "L1", Variant: stock.AllVariants()}, 4},
		{"non-variant", stock.Query{ProductID: "P", Variant: stock.NoVariant()}, 2},
		{"red", stock.Query{ProductID: "P", Variant: stock.VariantKey("Color:Red")}, 12},
		{"after seq 3", stock.Query{ProductID: "P", AfterSeq: 3}, -3},
		{"up to seq 2", stock.Query{ProductID: "P", UpToSeq: 2}, 7},
		{"by reference", stock.Query{ReferenceDoc: "order-t4"}, -3},
		{"nothing", stock.Query{ProductID: "Z"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.Sum(ctx, tc.q)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func testBalances(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b,
		mv("t1", "P", "L2", "", 2, base),
		mv("t2", "P", "L1", "Color:Red", 5, base),
		mv("t3", "P", "L1", "Color:Red", -6, base),
		mv("t4", "A", "L1", "", -1, base),
	)

	all, err := b.Balances(ctx, stock.BalanceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []stock.Balance{
		{Key: stock.BalanceKey{ProductID: "A", LocationID: "L1"}, Quantity: -1},
		{Key: stock.BalanceKey{ProductID: "P", LocationID: "L1", Variant: "Color:Red"}, Quantity: -1},
		{Key: stock.BalanceKey{ProductID: "P", LocationID: "L2"}, Quantity: 2},
	}, all)

	negative, err := b.Balances(ctx, stock.BalanceFilter{ProductID: "P", NegativeOnly: true})
	require.NoError(t, err)
	require.Len(t, negative, 1)
	assert.Equal(t, variant.Key("Color:Red"), negative[0].Key.Variant)

	upTo, err := b.Balances(ctx, stock.BalanceFilter{ProductID: "P", UpToSeq: 2})
	require.NoError(t, err)
	require.Len(t, upTo, 2)
	assert.Equal(t, int64(5), upTo[0].Quantity)
}

func testMovements(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b,
		mv("t1", "P", "L1", "", 1, base),
		mv("t2", "P", "L1", "", 2, base),
		mv("t3", "P", "L2", "", 3, base),
		mv("t4", "P", "L1", "", 4, base),
	)

	asc, err := b.Movements(ctx, stock.Query{ProductID: "P", LocationID: "L1"})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, stock.TransactionID("t1"), asc[0].TransactionID)

	desc, err := b.Movements(ctx, stock.Query{ProductID: "P", Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, stock.TransactionID("t4"), desc[0].TransactionID)
	assert.Equal(t, stock.TransactionID("t3"), desc[1].TransactionID)
}

func testMaxSeq(t *testing.T, b Backend) {
	ctx := context.Background()
	appendAll(t, b,
		mv("t1", "P", "L1", "", 1, base),
		mv("t2", "P", "L1", "", 1, base.Add(time.Minute)),
		mv("t3", "P", "L1", "", 1, base.Add(2*time.Minute)),
	)
	t2, err := b.Get(ctx, "t2")
	require.NoError(t, err)

	seq, err := b.MaxSeq(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t2.Seq, seq)

	seq, err = b.MaxSeq(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func testLocations(t *testing.T, b Backend) {
	ctx := context.Background()
	loc, err := b.GetLocation(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, stock.LocationTypeWarehouse, loc.Type)

	_, err = b.GetLocation(ctx, "L9")
	assert.ErrorIs(t, err, stock.ErrNotFound)

	all, err := b.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, stock.LocationID("L1"), all[0].ID)
}

func testSnapshots(t *testing.T, b Backend) {
	ctx := context.Background()
	none, err := b.LatestSnapshot(ctx, "P")
	require.NoError(t, err)
	assert.Nil(t, none)

	balances := []stock.Balance{
		{Key: stock.BalanceKey{ProductID: "P", LocationID: "L1"}, Quantity: 4},
		{Key: stock.BalanceKey{ProductID: "P", LocationID: "L1", Variant: "Size:S"}, Quantity: -2},
	}
	require.NoError(t, b.SaveSnapshot(ctx, stock.Snapshot{ProductID: "P", Seq: 3, Balances: balances[:1], TakenAt: base}))
	require.NoError(t, b.SaveSnapshot(ctx, stock.Snapshot{ProductID: "P", Seq: 7, Balances: balances, TakenAt: base}))

	latest, err := b.LatestSnapshot(ctx, "P")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(7), latest.Seq)
	assert.Equal(t, balances, latest.Balances)
}

func testDefinitions(t *testing.T, b Backend) {
	ctx := context.Background()
	empty, err := b.Definition(ctx, "P")
	require.NoError(t, err)
	assert.Empty(t, empty)

	v1 := variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S", "M"}}
	v2 := variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S"}}
	require.NoError(t, b.SaveDefinition(ctx, "P", v1))
	require.NoError(t, b.SaveDefinition(ctx, "P", v2))

	err = b.SaveDefinition(ctx, "P", variant.Definition{"": {"x"}})
	assert.ErrorIs(t, err, variant.ErrInvalidDefinition)

	latest, err := b.Definition(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, v2, latest)

	history, err := b.DefinitionHistory(ctx, "P")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Number)
	assert.Equal(t, v1, history[0].Definition)
	assert.Equal(t, 2, history[1].Number)
}
