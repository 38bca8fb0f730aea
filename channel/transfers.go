package channel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// Transfer moves stock between two locations.
type Transfer struct {
	// Reference names the transfer document. Generated when empty;
	// set it to make retries idempotent.
	Reference string
	ProductID stock.ProductID
	Variant   variant.Key
	From      stock.LocationID
	To        stock.LocationID
	Quantity  int64
	Actor     string
}

type Transfers struct {
	Writer Recorder
	Logger zerolog.Logger
}

func NewTransfers(writer Recorder, logger zerolog.Logger) *Transfers {
	return &Transfers{Writer: writer, Logger: logger}
}

// Move writes TRANSFER_OUT at the source and TRANSFER_IN at the
// destination in one batch. Returns the reference used.
func (t *Transfers) Move(ctx context.Context, tr Transfer) (string, error) {
	if tr.Quantity <= 0 {
		return "", &stock.InvalidMovementError{Field: "quantity", Reason: "must be positive"}
	}
	if tr.From == tr.To {
		return "", &stock.InvalidMovementError{Field: "to", Reason: "source and destination are the same location"}
	}
	ref := tr.Reference
	if ref == "" {
		ref = "transfer-" + uuid.NewString()
	}

	_, err := t.Writer.RecordBatch(ctx, []stock.MovementInput{
		{
			TransactionID: derivedID("transfer-out", ref),
			ProductID:     tr.ProductID,
			LocationID:    tr.From,
			Variant:       tr.Variant,
			Delta:         -tr.Quantity,
			Reason:        stock.ReasonTransferOut,
			ReferenceDoc:  ref,
			Actor:         tr.Actor,
		},
		{
			TransactionID: derivedID("transfer-in", ref),
			ProductID:     tr.ProductID,
			LocationID:    tr.To,
			Variant:       tr.Variant,
			Delta:         tr.Quantity,
			Reason:        stock.ReasonTransferIn,
			ReferenceDoc:  ref,
			Actor:         tr.Actor,
		},
	})
	if err != nil {
		return "", fmt.Errorf("transfer %s: %w", ref, err)
	}

	t.Logger.Info().
		Str("reference", ref).
		Str("product_id", string(tr.ProductID)).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Int64("quantity", tr.Quantity).
		Msg("stock transferred")
	return ref, nil
}
