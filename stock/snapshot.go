package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSettleWindow is how old a movement must be before a snapshot may
// fold it in. Writes are single short transactions, so anything older than
// this has either committed or rolled back.
const DefaultSettleWindow = time.Minute

// =============================================================================
// SNAPSHOTTER - Freezes product balances for incremental reads
// =============================================================================

// Snapshotter writes product snapshots. It never touches the ledger.
type Snapshotter struct {
	Store     Store
	Snapshots SnapshotStore
	Settle    time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewSnapshotter(store Store, snapshots SnapshotStore, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{Store: store, Snapshots: snapshots, Settle: DefaultSettleWindow, Logger: logger, Now: time.Now}
}

// TakeSnapshot freezes the product's balances up to the settled watermark.
// It returns nil when there is nothing new to fold in.
func (s *Snapshotter) TakeSnapshot(ctx context.Context, productID ProductID) (*Snapshot, error) {
	if productID == "" {
		return nil, &InvalidScopeError{Reason: "product id is required"}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	takenAt := now().UTC()

	watermark, err := s.Store.MaxSeq(ctx, takenAt.Add(-s.Settle))
	if err != nil {
		return nil, fmt.Errorf("find watermark: %w", err)
	}
	if watermark == 0 {
		return nil, nil
	}

	prev, err := s.Snapshots.LatestSnapshot(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if prev != nil && prev.Seq >= watermark {
		return nil, nil
	}

	balances, err := s.Store.Balances(ctx, BalanceFilter{ProductID: productID, UpToSeq: watermark})
	if err != nil {
		return nil, fmt.Errorf("aggregate balances: %w", err)
	}

	snap := Snapshot{ProductID: productID, Seq: watermark, Balances: balances, TakenAt: takenAt}
	if err := s.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	s.Logger.Info().
		Str("product_id", string(productID)).
		Int64("seq", watermark).
		Int("keys", len(balances)).
		Msg("snapshot taken")
	return &snap, nil
}

// SnapshotAll snapshots every product that has movements and returns how
// many snapshots were written. A failing product is logged and skipped.
func (s *Snapshotter) SnapshotAll(ctx context.Context) (int, error) {
	balances, err := s.Store.Balances(ctx, BalanceFilter{})
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}

	taken := 0
	var last ProductID
	for _, b := range balances {
		if b.Key.ProductID == last {
			continue
		}
		last = b.Key.ProductID
		if err := ctx.Err(); err != nil {
			return taken, err
		}
		snap, err := s.TakeSnapshot(ctx, last)
		if err != nil {
			s.Logger.Error().Err(err).Str("product_id", string(last)).Msg("snapshot failed")
			continue
		}
		if snap != nil {
			taken++
		}
	}
	return taken, nil
}
