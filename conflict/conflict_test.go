package conflict_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/stock-ledger/conflict"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	mem      *store.Memory
	writer   *stock.Writer
	agg      *stock.Aggregator
	scanner  *conflict.Scanner
	resolver *conflict.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveLocation(context.Background(), stock.Location{ID: "L", Name: "Main", Type: stock.LocationTypeStore}))

	log := zerolog.Nop()
	f := &fixture{mem: mem}
	f.writer = stock.NewWriter(mem, mem, log)
	f.agg = stock.NewAggregator(mem, mem, log)
	f.scanner = conflict.NewScanner(f.agg, mem, log)
	f.resolver = conflict.NewResolver(f.writer, f.agg, f.scanner, log)
	return f
}

func (f *fixture) record(t *testing.T, product stock.ProductID, delta int64, reason stock.ReasonCode, ref string) {
	t.Helper()
	_, err := f.writer.Record(context.Background(), stock.MovementInput{
		ProductID: product, LocationID: "L", Delta: delta, Reason: reason, ReferenceDoc: ref,
	})
	require.NoError(t, err)
}

func (f *fixture) scan(t *testing.T) []conflict.Conflict {
	t.Helper()
	cs, err := f.scanner.Scan(context.Background(), conflict.ScanFilter{})
	require.NoError(t, err)
	return cs
}

func key(product stock.ProductID) stock.BalanceKey {
	return stock.BalanceKey{ProductID: product, LocationID: "L"}
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestConflictRoundTrip(t *testing.T) {
	// GIVEN: a product at balance 0
	// WHEN: two concurrent SALE_POS -1 land
	// THEN: the scan reports balance -2; ADJUST +2 heals it
	f := newFixture(t)
	ctx := context.Background()

	var g errgroup.Group
	for _, order := range []string{"order-1", "order-2"} {
		g.Go(func() error {
			_, err := f.writer.Record(ctx, stock.MovementInput{
				ProductID: "P", LocationID: "L", Delta: -1, Reason: stock.ReasonSalePOS, ReferenceDoc: order,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	conflicts := f.scan(t)
	require.Len(t, conflicts, 1)
	assert.Equal(t, key("P"), conflicts[0].Key)
	assert.Equal(t, int64(-2), conflicts[0].Balance)
	assert.Equal(t, int64(2), conflicts[0].Shortfall)
	assert.ElementsMatch(t, []string{"order-1", "order-2"}, conflicts[0].References)

	result, err := f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeResolved, result.Outcome)
	assert.Equal(t, int64(-2), result.Before)
	assert.Equal(t, int64(0), result.After)

	assert.Empty(t, f.scan(t))
	qty, err := f.agg.CurrentStock(ctx, stock.Scope{ProductID: "P", LocationID: "L", Variant: stock.AllVariants()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), qty)

	m, err := f.mem.Get(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, stock.ReasonResolveAdjust, m.Reason)
}

func TestScan_IsPureRead(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", -3, stock.ReasonSalePOS, "order-1")

	first := f.scan(t)
	second := f.scan(t)
	assert.Equal(t, first, second)

	all, err := f.mem.Movements(context.Background(), stock.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScan_SortedByShortfall(t *testing.T) {
	f := newFixture(t)
	f.record(t, "A", -1, stock.ReasonSalePOS, "o-1")
	f.record(t, "B", -5, stock.ReasonSalePOS, "o-2")
	f.record(t, "C", -1, stock.ReasonSalePOS, "o-3")
	f.record(t, "D", 4, stock.ReasonInitialStock, "")

	conflicts := f.scan(t)
	require.Len(t, conflicts, 3)
	assert.Equal(t, stock.ProductID("B"), conflicts[0].Key.ProductID)
	assert.Equal(t, stock.ProductID("A"), conflicts[1].Key.ProductID)
	assert.Equal(t, stock.ProductID("C"), conflicts[2].Key.ProductID)

	big, err := f.scanner.Scan(context.Background(), conflict.ScanFilter{MinShortfall: 2})
	require.NoError(t, err)
	require.Len(t, big, 1)
	assert.Equal(t, stock.ProductID("B"), big[0].Key.ProductID)
}

func TestScan_ReferencesCoverShortfallOnly(t *testing.T) {
	// GIVEN: 3 on hand, then sales of 2, 2 and 1
	// THEN: only the two newest sales explain the shortfall of 2
	f := newFixture(t)
	f.record(t, "P", 3, stock.ReasonInitialStock, "")
	f.record(t, "P", -2, stock.ReasonSalePOS, "order-1")
	f.record(t, "P", -2, stock.ReasonEcomSale, "web-2")
	f.record(t, "P", -1, stock.ReasonSalePOS, "order-3")

	conflicts := f.scan(t)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"order-3", "web-2"}, conflicts[0].References)
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolve_AlreadyResolvedIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", 1, stock.ReasonInitialStock, "")

	result, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionBackorder})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeAlreadyResolved, result.Outcome)
	assert.Empty(t, result.TransactionID)

	all, err := f.mem.Movements(context.Background(), stock.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "nothing written")
}

func TestResolve_QuantityDefaultsToShortfall(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", -4, stock.ReasonDamage, "wo-1")

	result, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionBackorder, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.After)

	m, err := f.mem.Get(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Delta)
	assert.Equal(t, stock.ReasonResolveBackorder, m.Reason)
	assert.Equal(t, "alice", m.Actor)
	assert.Equal(t, "conflict:"+key("P").String(), m.ReferenceDoc)
}

func TestResolve_PartialAdjustStaysOpen(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", -5, stock.ReasonSalePOS, "order-1")

	result, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomePartial, result.Outcome)
	assert.Equal(t, int64(-3), result.After)

	conflicts := f.scan(t)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(3), conflicts[0].Shortfall)
}

func TestResolve_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: "WRITE_OFF"})
	assert.ErrorIs(t, err, stock.ErrInvalidMovement)

	_, err = f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust, Quantity: -1})
	assert.ErrorIs(t, err, stock.ErrInvalidMovement)

	_, err = f.resolver.Resolve(ctx, conflict.Resolution{Key: stock.BalanceKey{ProductID: "P"}, Action: conflict.ActionAdjust})
	assert.ErrorIs(t, err, stock.ErrInvalidMovement)
}

type failingWriter struct{}

func (failingWriter) Record(context.Context, stock.MovementInput) (stock.TransactionID, error) {
	return "", errors.New("database is locked")
}

func TestResolve_WriteFailureKeepsConflictOpen(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", -2, stock.ReasonSalePOS, "order-1")
	f.resolver.Writer = failingWriter{}

	_, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	assert.Len(t, f.scan(t), 1, "the next scan finds it again")
}

// gatedWriter holds every Record call until all expected callers arrived,
// so each of them has read the balance before anyone writes.
type gatedWriter struct {
	next    conflict.Recorder
	arrived sync.WaitGroup
}

func (g *gatedWriter) Record(ctx context.Context, in stock.MovementInput) (stock.TransactionID, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.next.Record(ctx, in)
}

func TestResolve_ConcurrentResolutionsWriteOnce(t *testing.T) {
	// GIVEN: a conflict at -2
	// WHEN: an admin ADJUST and a policy BACKORDER resolve it at the same time
	// THEN: one correction lands, the other reports already_resolved, and
	//       the balance ends at 0 rather than +2
	f := newFixture(t)
	ctx := context.Background()
	f.record(t, "P", -2, stock.ReasonSalePOS, "order-1")

	gate := &gatedWriter{next: f.writer}
	gate.arrived.Add(2)
	f.resolver.Writer = gate

	results := make([]conflict.Result, 2)
	var g errgroup.Group
	for i, action := range []conflict.Action{conflict.ActionAdjust, conflict.ActionBackorder} {
		g.Go(func() error {
			var err error
			results[i], err = f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: action})
			return err
		})
	}
	require.NoError(t, g.Wait())

	outcomes := []conflict.Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []conflict.Outcome{conflict.OutcomeResolved, conflict.OutcomeAlreadyResolved}, outcomes)
	assert.Equal(t, results[0].TransactionID, results[1].TransactionID)
	for _, r := range results {
		assert.Equal(t, int64(-2), r.Before)
		assert.Equal(t, int64(0), r.After)
	}

	qty, err := f.agg.CurrentStock(ctx, stock.Scope{ProductID: "P", LocationID: "L", Variant: stock.NoVariant()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), qty)
	assert.Empty(t, f.scan(t))
}

func TestResolve_ReopenedConflictGetsNewCorrection(t *testing.T) {
	// GIVEN: a conflict at -1 that was adjusted back to 0
	// WHEN: another sale takes it to -1 again and it is resolved
	// THEN: the second correction is written, not mistaken for the first
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, "P", -1, stock.ReasonSalePOS, "order-1")
	first, err := f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust})
	require.NoError(t, err)
	require.Equal(t, conflict.OutcomeResolved, first.Outcome)

	f.record(t, "P", -1, stock.ReasonSalePOS, "order-2")
	second, err := f.resolver.Resolve(ctx, conflict.Resolution{Key: key("P"), Action: conflict.ActionAdjust})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeResolved, second.Outcome)
	assert.NotEqual(t, first.TransactionID, second.TransactionID)
	assert.Empty(t, f.scan(t))
}

type recordingRouter struct {
	requests []conflict.RefundRequest
	err      error
}

func (r *recordingRouter) RouteRefund(_ context.Context, req conflict.RefundRequest) error {
	r.requests = append(r.requests, req)
	return r.err
}

func TestResolve_RefundRoutesReferences(t *testing.T) {
	// GIVEN: an oversold product
	// WHEN: resolved with REFUND
	// THEN: the balance heals and the orders go to the refund router
	f := newFixture(t)
	f.record(t, "P", -1, stock.ReasonEcomSale, "web-10")
	f.record(t, "P", -1, stock.ReasonEcomSale, "web-11")
	router := &recordingRouter{}
	f.resolver.Router = router

	result, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionRefund})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeResolved, result.Outcome)
	assert.Equal(t, []string{"web-11", "web-10"}, result.References)

	require.Len(t, router.requests, 1)
	assert.Equal(t, int64(2), router.requests[0].Quantity)
	assert.Equal(t, result.TransactionID, router.requests[0].TransactionID)

	m, err := f.mem.Get(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, stock.ReasonResolveRefund, m.Reason)
}

func TestResolve_RefundRouterFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.record(t, "P", -1, stock.ReasonEcomSale, "web-10")
	f.resolver.Router = &recordingRouter{err: errors.New("payments down")}

	result, err := f.resolver.Resolve(context.Background(), conflict.Resolution{Key: key("P"), Action: conflict.ActionRefund})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeResolved, result.Outcome)
	assert.Empty(t, f.scan(t))
}

func TestParseAction(t *testing.T) {
	a, err := conflict.ParseAction(" backorder ")
	require.NoError(t, err)
	assert.Equal(t, conflict.ActionBackorder, a)
	assert.Equal(t, stock.ReasonResolveBackorder, a.Reason())

	_, err = conflict.ParseAction("ignore")
	assert.ErrorIs(t, err, stock.ErrInvalidMovement)
}

// =============================================================================
// POLICY & SCHEDULER
// =============================================================================

func TestBackorderPolicy(t *testing.T) {
	p := conflict.BackorderPolicy{MaxShortfall: 2}

	res, ok := p.Decide(conflict.Conflict{Key: key("P"), Balance: -2, Shortfall: 2})
	require.True(t, ok)
	assert.Equal(t, conflict.ActionBackorder, res.Action)
	assert.Equal(t, int64(2), res.Quantity)
	assert.Equal(t, "policy:backorder", res.Actor)

	_, ok = p.Decide(conflict.Conflict{Key: key("P"), Balance: -3, Shortfall: 3})
	assert.False(t, ok)

	_, ok = conflict.BackorderPolicy{}.Decide(conflict.Conflict{Key: key("P"), Balance: -1, Shortfall: 1})
	assert.False(t, ok, "zero MaxShortfall disables the policy")
}

func TestScheduler_RunNowAppliesPolicy(t *testing.T) {
	f := newFixture(t)
	f.record(t, "SMALL", -1, stock.ReasonSalePOS, "order-1")
	f.record(t, "BIG", -10, stock.ReasonSalePOS, "order-2")

	sched := conflict.NewScheduler(f.scanner, f.resolver, zerolog.Nop())
	sched.Policy = conflict.BackorderPolicy{MaxShortfall: 2}

	summary := sched.RunNow(context.Background())
	assert.Equal(t, 1, summary.Open)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, summary, sched.LastRun())

	remaining := f.scan(t)
	require.Len(t, remaining, 1)
	assert.Equal(t, stock.ProductID("BIG"), remaining[0].Key.ProductID)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	sched := conflict.NewScheduler(f.scanner, f.resolver, zerolog.Nop())

	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}
