package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// REPAIR TICKETS - Parts consumed by repairs
// =============================================================================

type PartUse struct {
	TicketID   string
	ProductID  stock.ProductID
	LocationID stock.LocationID
	Variant    variant.Key
	Quantity   int64
	Actor      string
}

type Tickets struct {
	Writer Recorder
	Ledger Ledger
	Logger zerolog.Logger
}

func NewTickets(writer Recorder, ledger Ledger, logger zerolog.Logger) *Tickets {
	return &Tickets{Writer: writer, Ledger: ledger, Logger: logger}
}

// AddPart records a REPAIR_PART decrease referencing the ticket. The same
// part may be added to a ticket more than once; each call is a new movement.
func (t *Tickets) AddPart(ctx context.Context, p PartUse) (stock.TransactionID, error) {
	if strings.TrimSpace(p.TicketID) == "" {
		return "", &stock.InvalidMovementError{Field: "ticket_id", Reason: "required"}
	}
	if p.Quantity <= 0 {
		return "", &stock.InvalidMovementError{Field: "quantity", Reason: "must be positive"}
	}
	id, err := t.Writer.Record(ctx, stock.MovementInput{
		ProductID:    p.ProductID,
		LocationID:   p.LocationID,
		Variant:      p.Variant,
		Delta:        -p.Quantity,
		Reason:       stock.ReasonRepairPart,
		ReferenceDoc: p.TicketID,
		Actor:        p.Actor,
	})
	if err != nil {
		return "", err
	}
	t.Logger.Info().Str("ticket", p.TicketID).Str("product_id", string(p.ProductID)).Int64("quantity", p.Quantity).Msg("part consumed")
	return id, nil
}

// RemovePart returns a previously consumed part to stock. The return id is
// derived from the consumption, so a part can only be returned once.
func (t *Tickets) RemovePart(ctx context.Context, ticketID string, consumption stock.TransactionID, actor string) (stock.TransactionID, error) {
	m, err := t.Ledger.Get(ctx, consumption)
	if err != nil {
		return "", fmt.Errorf("part %s: %w", consumption, err)
	}
	if m.Reason != stock.ReasonRepairPart || m.ReferenceDoc != ticketID {
		return "", fmt.Errorf("part %s on ticket %s: %w", consumption, ticketID, stock.ErrNotFound)
	}

	id, err := t.Writer.Record(ctx, stock.MovementInput{
		TransactionID: derivedID("part-return", string(consumption)),
		ProductID:     m.ProductID,
		LocationID:    m.LocationID,
		Variant:       m.Variant,
		Delta:         -m.Delta,
		Reason:        stock.ReasonRepairPartReturn,
		ReferenceDoc:  ticketID,
		Actor:         actor,
	})
	if err != nil {
		return "", err
	}
	t.Logger.Info().Str("ticket", ticketID).Str("consumption", string(consumption)).Msg("part returned")
	return id, nil
}

// Parts lists the parts consumed by a ticket that have not been returned.
func (t *Tickets) Parts(ctx context.Context, ticketID string) ([]stock.Movement, error) {
	ms, err := t.Ledger.Movements(ctx, stock.Query{ReferenceDoc: ticketID})
	if err != nil {
		return nil, err
	}
	returned := make(map[stock.TransactionID]bool)
	for _, m := range ms {
		if m.Reason == stock.ReasonRepairPartReturn {
			returned[m.TransactionID] = true
		}
	}
	var open []stock.Movement
	for _, m := range ms {
		if m.Reason == stock.ReasonRepairPart && !returned[derivedID("part-return", string(m.TransactionID))] {
			open = append(open, m)
		}
	}
	return open, nil
}
