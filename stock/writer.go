/*
writer.go - The single write path for stock changes

PURPOSE:
  Every channel (storefront checkout, POS, repair tickets, admin
  adjustments, conflict resolution) records stock changes through Writer.
  Nothing else writes to the ledger.

CONTRACT:
  Record(product, location, variant?, delta, reason, reference) -> transaction id

  - delta must be non-zero and match the reason code's sign
  - reason must belong to the taxonomy
  - location must exist (ErrInvalidLocation otherwise)
  - decreases must name their originating document
  - a repeated transaction id fails with ErrDuplicateMovement

  The writer never looks at the current balance. Two concurrent sales of
  the last unit both succeed and the balance goes negative; the conflict
  scanner surfaces that later.

SEE ALSO:
  - store.go: persistence contract
  - conflict/resolver.go: heals negative balances through this writer
*/
package stock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/variant"
)

// MovementInput is what callers pass to Record. TransactionID is optional;
// set it to make retries idempotent.
type MovementInput struct {
	TransactionID TransactionID
	ProductID     ProductID
	LocationID    LocationID
	Variant       variant.Key
	Delta         int64
	Reason        ReasonCode
	ReferenceDoc  string
	UnitCost      *decimal.Decimal
	Actor         string
}

// Writer validates and appends movements.
type Writer struct {
	Store     Store
	Locations LocationStore
	Cache     BalanceCache // optional
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewWriter(store Store, locations LocationStore, logger zerolog.Logger) *Writer {
	return &Writer{Store: store, Locations: locations, Logger: logger, Now: time.Now}
}

// Record appends one movement and returns its transaction id.
func (w *Writer) Record(ctx context.Context, in MovementInput) (TransactionID, error) {
	m, err := w.prepare(ctx, in)
	if err != nil {
		return "", w.reject(in, err)
	}
	if exists, err := w.Store.Exists(ctx, m.TransactionID); err != nil {
		return "", w.reject(in, err)
	} else if exists {
		return "", w.reject(in, &DuplicateMovementError{TransactionID: m.TransactionID})
	}
	if err := w.Store.Append(ctx, m); err != nil {
		return "", w.reject(in, err)
	}

	w.recorded(ctx, m)
	return m.TransactionID, nil
}

// RecordBatch appends movements atomically. Any invalid or duplicate entry
// rejects the whole batch and nothing is written.
func (w *Writer) RecordBatch(ctx context.Context, ins []MovementInput) ([]TransactionID, error) {
	if len(ins) == 0 {
		return nil, &InvalidMovementError{Field: "movements", Reason: "batch is empty"}
	}

	ms := make([]Movement, 0, len(ins))
	seen := make(map[TransactionID]bool, len(ins))
	for _, in := range ins {
		m, err := w.prepare(ctx, in)
		if err != nil {
			return nil, w.reject(in, err)
		}
		if seen[m.TransactionID] {
			return nil, w.reject(in, &DuplicateMovementError{TransactionID: m.TransactionID})
		}
		seen[m.TransactionID] = true

		exists, err := w.Store.Exists(ctx, m.TransactionID)
		if err != nil {
			return nil, w.reject(in, err)
		}
		if exists {
			return nil, w.reject(in, &DuplicateMovementError{TransactionID: m.TransactionID})
		}
		ms = append(ms, m)
	}

	if err := w.Store.AppendBatch(ctx, ms); err != nil {
		return nil, w.reject(ins[0], err)
	}

	ids := make([]TransactionID, len(ms))
	for i, m := range ms {
		ids[i] = m.TransactionID
		w.recorded(ctx, m)
	}
	return ids, nil
}

// Validate runs the writer's checks without writing anything.
func (w *Writer) Validate(ctx context.Context, in MovementInput) error {
	_, err := w.prepare(ctx, in)
	return err
}

func (w *Writer) prepare(ctx context.Context, in MovementInput) (Movement, error) {
	if in.ProductID == "" {
		return Movement{}, &InvalidMovementError{Field: "product_id", Reason: "required"}
	}
	if in.Delta == 0 {
		return Movement{}, &InvalidMovementError{Field: "delta", Reason: "must be non-zero"}
	}
	if !in.Reason.Valid() {
		return Movement{}, &InvalidMovementError{Field: "reason_code", Reason: "unknown reason code " + string(in.Reason)}
	}
	if !in.Reason.Allows(in.Delta) {
		return Movement{}, &InvalidMovementError{Field: "delta", Reason: "sign not allowed for " + string(in.Reason)}
	}
	if in.Delta < 0 && strings.TrimSpace(in.ReferenceDoc) == "" {
		return Movement{}, &InvalidMovementError{Field: "reference_doc", Reason: "required for stock decreases"}
	}
	if in.UnitCost != nil && (in.Delta < 0 || in.UnitCost.IsNegative()) {
		return Movement{}, &InvalidMovementError{Field: "unit_cost", Reason: "only non-negative costs on stock increases"}
	}
	if in.Variant != "" {
		if err := variant.ValidateKey(in.Variant); err != nil {
			return Movement{}, &InvalidMovementError{Field: "variant_id", Reason: err.Error()}
		}
	}
	if in.LocationID == "" {
		return Movement{}, &InvalidLocationError{}
	}
	if _, err := w.Locations.GetLocation(ctx, in.LocationID); err != nil {
		if IsNotFound(err) {
			return Movement{}, &InvalidLocationError{LocationID: in.LocationID}
		}
		return Movement{}, err
	}

	id := in.TransactionID
	if id == "" {
		id = TransactionID(uuid.NewString())
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	return Movement{
		TransactionID: id,
		ProductID:     in.ProductID,
		LocationID:    in.LocationID,
		Variant:       in.Variant,
		Delta:         in.Delta,
		Reason:        in.Reason,
		ReferenceDoc:  in.ReferenceDoc,
		UnitCost:      in.UnitCost,
		Actor:         in.Actor,
		CreatedAt:     now().UTC(),
	}, nil
}

func (w *Writer) recorded(ctx context.Context, m Movement) {
	movementsRecorded.WithLabelValues(string(m.Reason)).Inc()
	if w.Cache != nil {
		if err := w.Cache.Invalidate(ctx, m.ProductID); err != nil {
			// entries still expire after the staleness bound
			w.Logger.Warn().Err(err).Str("product_id", string(m.ProductID)).Msg("balance cache invalidation failed")
		}
	}
	w.Logger.Debug().
		Str("transaction_id", string(m.TransactionID)).
		Str("product_id", string(m.ProductID)).
		Str("location_id", string(m.LocationID)).
		Str("variant", string(m.Variant)).
		Int64("delta", m.Delta).
		Str("reason", string(m.Reason)).
		Str("reference_doc", m.ReferenceDoc).
		Msg("movement recorded")
}

func (w *Writer) reject(in MovementInput, err error) error {
	movementsRejected.WithLabelValues(rejectLabel(err)).Inc()
	w.Logger.Info().Err(err).
		Str("product_id", string(in.ProductID)).
		Str("location_id", string(in.LocationID)).
		Str("reason", string(in.Reason)).
		Msg("movement rejected")
	return err
}
