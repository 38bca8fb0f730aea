/*
Package channel adapts the sales and service channels to the ledger.

PURPOSE:
  Storefront and POS checkout, repair tickets and stock transfers all turn
  their business events into movements through stock.Writer. None of them
  looks at the balance first; sales never block on stock.

IDEMPOTENCY:
  Transaction ids are derived from the business document (UUIDv5 of order
  number and line, ticket part, transfer reference). Replaying a confirmed
  order or returning a part twice fails with ErrDuplicateMovement instead
  of moving stock again.

REVERSALS:
  Cancelling an order writes an ORDER_CANCEL entry per sale line. Removing
  a part from a repair ticket writes REPAIR_PART_RETURN. The original
  movements are never touched.

SEE ALSO:
  - listener.go: Kafka order events
  - stock/writer.go: the write path
*/
package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// namespace for deterministic transaction ids.
var namespace = uuid.MustParse("6f1c2a7e-3b9d-5c4e-8a21-0d7f4e9b6c15")

func derivedID(parts ...string) stock.TransactionID {
	return stock.TransactionID(uuid.NewSHA1(namespace, []byte(strings.Join(parts, "/"))).String())
}

// Recorder is the write path. Satisfied by *stock.Writer.
type Recorder interface {
	Record(ctx context.Context, in stock.MovementInput) (stock.TransactionID, error)
	RecordBatch(ctx context.Context, ins []stock.MovementInput) ([]stock.TransactionID, error)
}

// Ledger is the read side the channels need for reversals.
type Ledger interface {
	Get(ctx context.Context, id stock.TransactionID) (stock.Movement, error)
	Exists(ctx context.Context, id stock.TransactionID) (bool, error)
	Movements(ctx context.Context, q stock.Query) ([]stock.Movement, error)
}

// =============================================================================
// ORDERS
// =============================================================================

type SalesChannel string

const (
	ChannelPOS    SalesChannel = "pos"
	ChannelOnline SalesChannel = "online"
)

func (c SalesChannel) reason() (stock.ReasonCode, bool) {
	switch c {
	case ChannelPOS:
		return stock.ReasonSalePOS, true
	case ChannelOnline:
		return stock.ReasonEcomSale, true
	}
	return "", false
}

type OrderLine struct {
	ProductID stock.ProductID
	Variant   variant.Key
	Quantity  int64
}

// Order is a confirmed order. All lines ship from one location.
type Order struct {
	Number     string
	Channel    SalesChannel
	LocationID stock.LocationID
	Lines      []OrderLine
	Actor      string
}

// =============================================================================
// CHECKOUT
// =============================================================================

type Checkout struct {
	Writer Recorder
	Ledger Ledger
	Logger zerolog.Logger
}

func NewCheckout(writer Recorder, ledger Ledger, logger zerolog.Logger) *Checkout {
	return &Checkout{Writer: writer, Ledger: ledger, Logger: logger}
}

// Confirm records one sale movement per line, atomically.
func (c *Checkout) Confirm(ctx context.Context, o Order) ([]stock.TransactionID, error) {
	if strings.TrimSpace(o.Number) == "" {
		return nil, &stock.InvalidMovementError{Field: "order_number", Reason: "required"}
	}
	reason, ok := o.Channel.reason()
	if !ok {
		return nil, &stock.InvalidMovementError{Field: "channel", Reason: fmt.Sprintf("unknown sales channel %q", o.Channel)}
	}
	if len(o.Lines) == 0 {
		return nil, &stock.InvalidMovementError{Field: "lines", Reason: "order has no lines"}
	}

	ins := make([]stock.MovementInput, len(o.Lines))
	for i, line := range o.Lines {
		if line.Quantity <= 0 {
			return nil, &stock.InvalidMovementError{Field: "quantity", Reason: fmt.Sprintf("line %d: must be positive", i+1)}
		}
		ins[i] = stock.MovementInput{
			TransactionID: derivedID("sale", o.Number, strconv.Itoa(i+1)),
			ProductID:     line.ProductID,
			LocationID:    o.LocationID,
			Variant:       line.Variant,
			Delta:         -line.Quantity,
			Reason:        reason,
			ReferenceDoc:  o.Number,
			Actor:         o.Actor,
		}
	}

	ids, err := c.Writer.RecordBatch(ctx, ins)
	if err != nil {
		return nil, fmt.Errorf("confirm order %s: %w", o.Number, err)
	}
	c.Logger.Info().
		Str("order", o.Number).
		Str("channel", string(o.Channel)).
		Int("lines", len(ids)).
		Msg("order confirmed")
	return ids, nil
}

// Cancel writes an ORDER_CANCEL entry for every sale line of the order that
// has not been cancelled yet. Cancelling twice writes nothing the second
// time. An order with no sale lines is ErrNotFound.
func (c *Checkout) Cancel(ctx context.Context, orderNumber, actor string) ([]stock.TransactionID, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return nil, &stock.InvalidMovementError{Field: "order_number", Reason: "required"}
	}
	ms, err := c.Ledger.Movements(ctx, stock.Query{ReferenceDoc: orderNumber})
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderNumber, err)
	}

	var sales int
	var ins []stock.MovementInput
	for _, m := range ms {
		if m.Reason != stock.ReasonSalePOS && m.Reason != stock.ReasonEcomSale {
			continue
		}
		sales++
		id := derivedID("cancel", string(m.TransactionID))
		exists, err := c.Ledger.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		ins = append(ins, stock.MovementInput{
			TransactionID: id,
			ProductID:     m.ProductID,
			LocationID:    m.LocationID,
			Variant:       m.Variant,
			Delta:         -m.Delta,
			Reason:        stock.ReasonOrderCancel,
			ReferenceDoc:  orderNumber,
			Actor:         actor,
		})
	}
	if sales == 0 {
		return nil, fmt.Errorf("order %s: %w", orderNumber, stock.ErrNotFound)
	}
	if len(ins) == 0 {
		c.Logger.Debug().Str("order", orderNumber).Msg("order already cancelled")
		return nil, nil
	}

	ids, err := c.Writer.RecordBatch(ctx, ins)
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderNumber, err)
	}
	c.Logger.Info().Str("order", orderNumber).Int("lines", len(ids)).Msg("order cancelled")
	return ids, nil
}
