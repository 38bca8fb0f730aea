package stock_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// CONSERVATION & SCENARIOS
// =============================================================================

func TestCurrentStock_Scenario(t *testing.T) {
	// GIVEN: INITIAL_STOCK +50, SALE_POS -3, SALE_POS -2, RETURN +1
	// THEN: currentStock(P, L) == 46
	l := newTestLedger(t)
	l.record(t, mv("P", 50, stock.ReasonInitialStock, ""))
	l.record(t, mv("P", -3, stock.ReasonSalePOS, "pos-1"))
	l.record(t, mv("P", -2, stock.ReasonSalePOS, "pos-2"))
	l.record(t, mv("P", 1, stock.ReasonReturn, "pos-1"))

	assert.Equal(t, int64(46), l.stockAt(t, "P", "L"))
}

func TestCurrentStock_ConservationIndependentOfOrder(t *testing.T) {
	deltas := []stock.MovementInput{
		mv("P", 50, stock.ReasonInitialStock, ""),
		mv("P", -7, stock.ReasonSalePOS, "pos-1"),
		mv("P", 12, stock.ReasonRestock, "po-1"),
		mv("P", -30, stock.ReasonEcomSale, "web-1"),
		mv("P", 4, stock.ReasonCorrection, "count-1"),
		mv("P", -40, stock.ReasonDamage, "wo-1"),
	}
	var want int64
	for _, d := range deltas {
		want += d.Delta
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 10; round++ {
		l := newTestLedger(t)
		for _, i := range rng.Perm(len(deltas)) {
			l.record(t, deltas[i])
		}
		assert.Equal(t, want, l.stockAt(t, "P", "L"), "round %d", round)
	}
}

func TestCurrentStock_ReplayDoesNotChangeBalance(t *testing.T) {
	l := newTestLedger(t)
	in := mv("P", 5, stock.ReasonRestock, "po-9")
	in.TransactionID = "tx-po-9"
	l.record(t, in)

	for i := 0; i < 3; i++ {
		_, err := l.writer.Record(context.Background(), in)
		require.ErrorIs(t, err, stock.ErrDuplicateMovement)
	}
	assert.Equal(t, int64(5), l.stockAt(t, "P", "L"))
}

func TestCurrentStock_ConcurrentSalesNeverBlock(t *testing.T) {
	// GIVEN: balance 10
	// WHEN: 100 concurrent SALE_POS -1
	// THEN: every sale succeeds and the balance is -90
	l := newTestLedger(t)
	l.record(t, mv("P", 10, stock.ReasonInitialStock, ""))

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			_, err := l.writer.Record(context.Background(), mv("P", -1, stock.ReasonSalePOS, "pos-rush"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(-90), l.stockAt(t, "P", "L"))

	negative, err := l.agg.Balances(context.Background(), stock.BalanceFilter{NegativeOnly: true})
	require.NoError(t, err)
	require.Len(t, negative, 1)
	assert.Equal(t, int64(-90), negative[0].Quantity)
}

// =============================================================================
// SCOPES
// =============================================================================

func TestCurrentStock_ScopeMustBeExplicit(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.agg.CurrentStock(context.Background(), stock.Scope{ProductID: "P"})
	assert.ErrorIs(t, err, stock.ErrInvalidScope)

	_, err = l.agg.CurrentStock(context.Background(), stock.Scope{Variant: stock.AllVariants()})
	assert.ErrorIs(t, err, stock.ErrInvalidScope)
}

func TestCurrentStock_VariantAndLocationScopes(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	red := variant.Key("Color:Red;Size:S")
	blue := variant.Key("Color:Blue;Size:S")
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "L", Variant: red, Delta: 5, Reason: stock.ReasonInitialStock})
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "L", Variant: blue, Delta: 3, Reason: stock.ReasonInitialStock})
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "W", Variant: red, Delta: 10, Reason: stock.ReasonInitialStock})
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "W", Delta: 2, Reason: stock.ReasonInitialStock})

	cases := []struct {
		name  string
		scope stock.Scope
		want  int64
	}{
		{"whole product, all locations", stock.Scope{ProductID: "P", Variant: stock.AllVariants()}, 20},
		{"whole product at L", stock.Scope{ProductID: "P", LocationID: "L", Variant: stock.AllVariants()}, 8},
		{"red everywhere", stock.Scope{ProductID: "P", Variant: stock.VariantKey(red)}, 15},
		{"red at W", stock.Scope{ProductID: "P", LocationID: "W", Variant: stock.VariantKey(red)}, 10},
		{"non-variant partition", stock.Scope{ProductID: "P", Variant: stock.NoVariant()}, 2},
		{"empty key is the non-variant partition", stock.Scope{ProductID: "P", Variant: stock.VariantKey("")}, 2},
		{"unknown product", stock.Scope{ProductID: "Q", Variant: stock.AllVariants()}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := l.agg.CurrentStock(ctx, tc.scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// =============================================================================
// VARIANT STOCK
// =============================================================================

func TestListVariantStock_DeclaredKeysDefaultToZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.mem.SaveDefinition(ctx, "P", variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S", "M"}}))

	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "L", Variant: "Color:Red;Size:M", Delta: 4, Reason: stock.ReasonInitialStock})

	got, err := l.agg.ListVariantStock(ctx, "P", "")
	require.NoError(t, err)
	assert.Equal(t, map[variant.Key]int64{
		"Color:Red;Size:S":  0,
		"Color:Red;Size:M":  4,
		"Color:Blue;Size:S": 0,
		"Color:Blue;Size:M": 0,
	}, got)
}

func TestListVariantStock_HistoricalKeySurvivesDefinitionChange(t *testing.T) {
	// GIVEN: stock recorded under Color:Red;Size:M
	// WHEN: the definition drops Size:M
	// THEN: the old key and its balance are still listed
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.mem.SaveDefinition(ctx, "P", variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S", "M"}}))
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "L", Variant: "Color:Red;Size:M", Delta: 6, Reason: stock.ReasonInitialStock})

	require.NoError(t, l.mem.SaveDefinition(ctx, "P", variant.Definition{"Color": {"Red", "Blue"}, "Size": {"S"}}))

	got, err := l.agg.ListVariantStock(ctx, "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got["Color:Red;Size:M"])
	assert.Len(t, got, 3)

	view, err := l.agg.VariantStockView(ctx, "P", "L")
	require.NoError(t, err)
	require.Len(t, view, 3)
	assert.Equal(t, variant.Key("Color:Red;Size:S"), view[0].Key)
	assert.True(t, view[0].Declared)
	assert.Equal(t, variant.Key("Color:Red;Size:M"), view[2].Key)
	assert.False(t, view[2].Declared)
	assert.Equal(t, int64(6), view[2].Quantity)

	history, err := l.mem.DefinitionHistory(ctx, "P")
	require.NoError(t, err)
	assert.Len(t, history, 2, "old definitions are kept")
}

func TestListVariantStock_NoDefinition(t *testing.T) {
	l := newTestLedger(t)
	l.record(t, mv("P", 3, stock.ReasonInitialStock, ""))

	got, err := l.agg.ListVariantStock(context.Background(), "P", "")
	require.NoError(t, err)
	assert.Equal(t, map[variant.Key]int64{"": 3}, got)
}

// =============================================================================
// HISTORY, SNAPSHOTS, CACHE, VALUATION
// =============================================================================

func TestHistory_RunningBalance(t *testing.T) {
	l := newTestLedger(t)
	l.record(t, mv("P", 10, stock.ReasonInitialStock, ""))
	l.record(t, mv("P", -4, stock.ReasonSalePOS, "pos-1"))
	l.record(t, mv("P", 2, stock.ReasonReturn, "pos-1"))

	entries, err := l.agg.History(context.Background(), stock.Scope{ProductID: "P", Variant: stock.AllVariants()}, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(6), entries[0].Balance)
	assert.Equal(t, int64(8), entries[1].Balance)
}

func TestSnapshot_ReadsMatchFullAggregation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	l.writer.Now = func() time.Time { return past }
	l.record(t, mv("P", 50, stock.ReasonInitialStock, ""))
	l.record(t, stock.MovementInput{ProductID: "P", LocationID: "W", Delta: 7, Reason: stock.ReasonInitialStock})
	l.record(t, mv("P", -5, stock.ReasonSalePOS, "pos-1"))

	snapper := stock.NewSnapshotter(l.mem, l.mem, zerolog.Nop())
	snap, err := snapper.TakeSnapshot(ctx, "P")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Seq)

	l.writer.Now = time.Now
	l.record(t, mv("P", -1, stock.ReasonSalePOS, "pos-2"))

	again, err := snapper.TakeSnapshot(ctx, "P")
	require.NoError(t, err)
	assert.Nil(t, again, "unsettled movements are not folded in")

	l.agg.Snapshots = l.mem
	assert.Equal(t, int64(44), l.stockAt(t, "P", "L"))
	assert.Equal(t, int64(51), l.stockAt(t, "P", ""))

	balances, err := l.agg.Balances(ctx, stock.BalanceFilter{ProductID: "P"})
	require.NoError(t, err)
	full, err := l.mem.Balances(ctx, stock.BalanceFilter{ProductID: "P"})
	require.NoError(t, err)
	assert.Equal(t, full, balances)
}

func TestSnapshotAll_OnePerProduct(t *testing.T) {
	// GIVEN: settled movements for two products
	// WHEN: SnapshotAll runs twice
	// THEN: the first run writes one snapshot per product, the second none
	l := newTestLedger(t)
	past := time.Now().Add(-time.Hour)
	l.writer.Now = func() time.Time { return past }
	l.record(t, mv("A", 5, stock.ReasonInitialStock, ""))
	l.record(t, stock.MovementInput{ProductID: "A", LocationID: "W", Delta: 2, Reason: stock.ReasonInitialStock})
	l.record(t, mv("B", 3, stock.ReasonInitialStock, ""))

	snapper := stock.NewSnapshotter(l.mem, l.mem, zerolog.Nop())
	n, err := snapper.SnapshotAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = snapper.SnapshotAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseVariantFilter(t *testing.T) {
	all, err := stock.ParseVariantFilter("*")
	require.NoError(t, err)
	assert.True(t, all.All())

	none, err := stock.ParseVariantFilter("-")
	require.NoError(t, err)
	k, ok := none.Exact()
	assert.True(t, ok)
	assert.Empty(t, k)

	red, err := stock.ParseVariantFilter("Color:Red;Size:M")
	require.NoError(t, err)
	assert.Equal(t, "Color:Red;Size:M", red.String())

	for _, bad := range []string{"", "Red", "Color:"} {
		_, err := stock.ParseVariantFilter(bad)
		assert.ErrorIs(t, err, stock.ErrInvalidScope, bad)
	}
}

type mapCache struct {
	entries     map[string]int64
	invalidated int
}

func (c *mapCache) Get(_ context.Context, p stock.ProductID, scope string) (int64, bool, error) {
	q, ok := c.entries[string(p)+scope]
	return q, ok, nil
}

func (c *mapCache) Set(_ context.Context, p stock.ProductID, scope string, qty int64, _ time.Duration) error {
	c.entries[string(p)+scope] = qty
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, p stock.ProductID) error {
	c.invalidated++
	for k := range c.entries {
		if len(k) >= len(p) && k[:len(p)] == string(p) {
			delete(c.entries, k)
		}
	}
	return nil
}

func TestCurrentStock_CacheInvalidatedOnWrite(t *testing.T) {
	l := newTestLedger(t)
	cache := &mapCache{entries: map[string]int64{}}
	l.writer.Cache = cache
	l.agg.Cache = cache

	l.record(t, mv("P", 5, stock.ReasonInitialStock, ""))
	assert.Equal(t, int64(5), l.stockAt(t, "P", "L"))
	assert.Len(t, cache.entries, 1)

	l.record(t, mv("P", -2, stock.ReasonSalePOS, "pos-1"))
	assert.Equal(t, int64(3), l.stockAt(t, "P", "L"), "a write is visible on the next read")
	assert.Equal(t, 2, cache.invalidated)
}

func TestValuation_WeightedAverage(t *testing.T) {
	l := newTestLedger(t)
	c10 := decimal.NewFromInt(10)
	c16 := decimal.NewFromInt(16)

	in := mv("P", 10, stock.ReasonInitialStock, "")
	in.UnitCost = &c10
	l.record(t, in)
	l.record(t, mv("P", -5, stock.ReasonSalePOS, "pos-1"))
	in = mv("P", 5, stock.ReasonRestock, "po-1")
	in.UnitCost = &c16
	l.record(t, in)

	v, err := l.agg.Valuation(context.Background(), "P", "L")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.OnHand)
	assert.True(t, decimal.NewFromInt(13).Equal(v.AverageCost), "got %s", v.AverageCost)
	assert.True(t, decimal.NewFromInt(130).Equal(v.Value), "got %s", v.Value)
}
