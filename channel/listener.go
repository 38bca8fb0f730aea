package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// ORDER EVENTS - Kafka consumer for the storefront/POS order stream
// =============================================================================

const (
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderCanceled  = "OrderCanceled"
)

type OrderEvent struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Payload   OrderPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

type OrderPayload struct {
	OrderNumber string             `json:"order_number"`
	Channel     string             `json:"channel"`
	LocationID  string             `json:"location_id"`
	Items       []OrderItemPayload `json:"items"`
}

type OrderItemPayload struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id"`
	Quantity  int64   `json:"quantity"`
}

func (p OrderPayload) order() Order {
	o := Order{
		Number:     p.OrderNumber,
		Channel:    SalesChannel(p.Channel),
		LocationID: stock.LocationID(p.LocationID),
		Actor:      "system:kafka",
	}
	for _, it := range p.Items {
		line := OrderLine{ProductID: stock.ProductID(it.ProductID), Quantity: it.Quantity}
		if it.VariantID != nil {
			line.Variant = variant.Key(*it.VariantID)
		}
		o.Lines = append(o.Lines, line)
	}
	return o
}

// MessageReader is satisfied by *kafka.Reader. Offsets are committed
// explicitly, only once an event is applied or known to be unappliable.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrMalformedEvent marks a message that can never be applied.
var ErrMalformedEvent = errors.New("malformed order event")

// NewKafkaReader builds a consumer-group reader for the order topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// OrderListener feeds order events into Checkout.
type OrderListener struct {
	Reader     MessageReader
	Checkout   *Checkout
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

func NewOrderListener(reader MessageReader, checkout *Checkout, logger zerolog.Logger) *OrderListener {
	return &OrderListener{
		Reader:     reader,
		Checkout:   checkout,
		RetryDelay: time.Second,
		Logger:     logger.With().Str("component", "order_listener").Logger(),
	}
}

// Start consumes until ctx is done. A message whose event fails for a
// transient reason is retried every RetryDelay and not committed, so a
// restart redelivers it. Replays are harmless: Handle is idempotent.
func (l *OrderListener) Start(ctx context.Context) error {
	l.Logger.Info().Msg("starting order listener")
	for {
		msg, err := l.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.Logger.Info().Msg("stopping order listener")
				return nil
			}
			l.Logger.Error().Err(err).Msg("failed to fetch kafka message")
			if !l.wait(ctx) {
				return nil
			}
			continue
		}

		if !l.apply(ctx, msg) {
			l.Logger.Info().Msg("stopping order listener")
			return nil
		}
		if err := l.Reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Logger.Error().Err(err).
				Int64("offset", msg.Offset).
				Int("partition", msg.Partition).
				Msg("failed to commit offset, event will be redelivered")
		}
	}
}

// apply handles msg until it succeeds or fails permanently. It returns
// false when ctx ends first; the message is then left uncommitted.
func (l *OrderListener) apply(ctx context.Context, msg kafka.Message) bool {
	for {
		err := l.Handle(ctx, msg.Value)
		if err == nil {
			return true
		}
		log := l.Logger.Error().Err(err).
			Int64("offset", msg.Offset).
			Int("partition", msg.Partition)
		if permanent(err) {
			log.Msg("dropping order event that cannot be applied")
			return true
		}
		log.Msg("failed to process order event, retrying")
		if !l.wait(ctx) {
			return false
		}
	}
}

func (l *OrderListener) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.RetryDelay):
		return true
	}
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || stock.IsClientError(err) || stock.IsNotFound(err)
}

// Handle applies one event. Replays of an already applied event are
// ignored. Unknown event types are skipped.
func (l *OrderListener) Handle(ctx context.Context, value []byte) error {
	var event OrderEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var err error
	switch event.EventType {
	case EventOrderConfirmed:
		_, err = l.Checkout.Confirm(ctx, event.Payload.order())
	case EventOrderCanceled:
		_, err = l.Checkout.Cancel(ctx, event.Payload.OrderNumber, "system:kafka")
	default:
		return nil
	}

	if errors.Is(err, stock.ErrDuplicateMovement) {
		l.Logger.Debug().Str("order", event.Payload.OrderNumber).Str("event", event.EventType).Msg("event already applied")
		return nil
	}
	if err != nil {
		return err
	}
	l.Logger.Info().Str("order", event.Payload.OrderNumber).Str("event", event.EventType).Msg("order event applied")
	return nil
}
