package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return newTestStore(t)
	})
}

func TestSQLite_MovementsAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLocation(ctx, stock.Location{ID: "L", Name: "Shop", Type: stock.LocationTypeStore}))
	require.NoError(t, s.Append(ctx, stock.Movement{
		TransactionID: "t1", ProductID: "P", LocationID: "L", Delta: 5, Reason: stock.ReasonRestock, CreatedAt: time.Now(),
	}))

	_, err := s.db.ExecContext(ctx, "UPDATE movements SET delta = 500")
	assert.ErrorContains(t, err, "append-only")

	_, err = s.db.ExecContext(ctx, "DELETE FROM movements")
	assert.ErrorContains(t, err, "append-only")
}

func TestSQLite_UnknownLocationIsRejected(t *testing.T) {
	s := newTestStore(t)
	err := s.Append(context.Background(), stock.Movement{
		TransactionID: "t1", ProductID: "P", LocationID: "nowhere", Delta: 5, Reason: stock.ReasonRestock,
	})
	assert.ErrorIs(t, err, stock.ErrInvalidLocation)
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_ConcurrentSalesOnFile(t *testing.T) {
	// GIVEN: balance 10 in a file-backed WAL database
	// WHEN: 100 concurrent sales of 1 unit
	// THEN: all succeed and the balance is -90
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveLocation(ctx, stock.Location{ID: "L", Name: "Shop", Type: stock.LocationTypeStore}))
	w := stock.NewWriter(s, s, zerolog.Nop())
	_, err = w.Record(ctx, stock.MovementInput{ProductID: "P", LocationID: "L", Delta: 10, Reason: stock.ReasonInitialStock})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			_, err := w.Record(ctx, stock.MovementInput{ProductID: "P", LocationID: "L", Delta: -1, Reason: stock.ReasonSalePOS, ReferenceDoc: "pos"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	agg := stock.NewAggregator(s, s, zerolog.Nop())
	qty, err := agg.CurrentStock(ctx, stock.Scope{ProductID: "P", LocationID: "L", Variant: stock.AllVariants()})
	require.NoError(t, err)
	assert.Equal(t, int64(-90), qty)
}
