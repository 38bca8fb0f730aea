/*
dto.go - Data Transfer Objects for the admin API

PURPOSE:
  JSON shapes for the internal admin boundary. Domain types never reach
  the wire directly; handlers convert both ways.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

UNITS:
  Quantities are integer units. Unit costs are decimal strings
  ("12.50"), never floats.

VALIDATION:
  Done by the domain (stock.Writer, conflict.Resolver), not here. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/channel"
	"github.com/warp/stock-ledger/conflict"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// LOCATIONS
// =============================================================================

type LocationDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "store" or "warehouse"
}

func toLocationDTO(l stock.Location) LocationDTO {
	return LocationDTO{ID: string(l.ID), Name: l.Name, Type: string(l.Type)}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementRequest records one movement. TransactionID is optional; send it
// to make retries idempotent.
type MovementRequest struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	ProductID     string           `json:"product_id"`
	LocationID    string           `json:"location_id"`
	Variant       string           `json:"variant,omitempty"`
	Delta         int64            `json:"delta"`
	ReasonCode    string           `json:"reason_code"`
	ReferenceDoc  string           `json:"reference_doc,omitempty"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	Actor         string           `json:"actor,omitempty"`
}

func (r MovementRequest) input() stock.MovementInput {
	return stock.MovementInput{
		TransactionID: stock.TransactionID(r.TransactionID),
		ProductID:     stock.ProductID(r.ProductID),
		LocationID:    stock.LocationID(r.LocationID),
		Variant:       variant.Key(r.Variant),
		Delta:         r.Delta,
		Reason:        stock.ReasonCode(r.ReasonCode),
		ReferenceDoc:  r.ReferenceDoc,
		UnitCost:      r.UnitCost,
		Actor:         r.Actor,
	}
}

// BatchRequest records several movements atomically.
type BatchRequest struct {
	Movements []MovementRequest `json:"movements"`
}

type RecordedDTO struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type MovementDTO struct {
	TransactionID string           `json:"transaction_id"`
	Seq           int64            `json:"seq"`
	ProductID     string           `json:"product_id"`
	LocationID    string           `json:"location_id"`
	Variant       string           `json:"variant,omitempty"`
	Delta         int64            `json:"delta"`
	ReasonCode    string           `json:"reason_code"`
	ReferenceDoc  string           `json:"reference_doc,omitempty"`
	UnitCost      *decimal.Decimal `json:"unit_cost,omitempty"`
	Actor         string           `json:"actor,omitempty"`
	CreatedAt     string           `json:"created_at"`
	Balance       int64            `json:"balance"` // running balance of the scope after this movement
}

func toMovementDTO(e stock.HistoryEntry) MovementDTO {
	m := e.Movement
	return MovementDTO{
		TransactionID: string(m.TransactionID),
		Seq:           m.Seq,
		ProductID:     string(m.ProductID),
		LocationID:    string(m.LocationID),
		Variant:       string(m.Variant),
		Delta:         m.Delta,
		ReasonCode:    string(m.Reason),
		ReferenceDoc:  m.ReferenceDoc,
		UnitCost:      m.UnitCost,
		Actor:         m.Actor,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Balance:       e.Balance,
	}
}

type ReasonDTO struct {
	Code    string `json:"code"`
	Meaning string `json:"meaning"`
	Sign    string `json:"sign"` // "+", "-" or "±"
}

func toReasonDTO(r stock.ReasonCode) ReasonDTO {
	sign := "±"
	switch r.Sign() {
	case stock.SignPositive:
		sign = "+"
	case stock.SignNegative:
		sign = "-"
	}
	return ReasonDTO{Code: string(r), Meaning: r.Meaning(), Sign: sign}
}

// AdjustmentRequest is a manual correction. ReasonCode defaults to ADMIN_ADJ.
type AdjustmentRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ProductID     string `json:"product_id"`
	LocationID    string `json:"location_id"`
	Variant       string `json:"variant,omitempty"`
	Delta         int64  `json:"delta"`
	ReasonCode    string `json:"reason_code,omitempty"`
	ReferenceDoc  string `json:"reference_doc,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// =============================================================================
// BALANCES
// =============================================================================

type StockDTO struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id,omitempty"` // empty = all locations
	Variant    string `json:"variant"`               // "*", "-" or a key
	Quantity   int64  `json:"quantity"`
}

type VariantStockDTO struct {
	Variant  string `json:"variant"`
	Quantity int64  `json:"quantity"`
	Declared bool   `json:"declared"`
}

type ValuationDTO struct {
	ProductID   string          `json:"product_id"`
	LocationID  string          `json:"location_id,omitempty"`
	OnHand      int64           `json:"on_hand"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Value       decimal.Decimal `json:"value"`
}

type SnapshotDTO struct {
	ProductID string `json:"product_id"`
	Seq       int64  `json:"seq"`
	Keys      int    `json:"keys"`
	TakenAt   string `json:"taken_at"`
}

// DefinitionDTO is a product's variation axes, e.g. {"Color": ["Red", "Blue"]}.
type DefinitionDTO map[string][]string

type DefinitionVersionDTO struct {
	Version    int           `json:"version"`
	Definition DefinitionDTO `json:"definition"`
	SavedAt    string        `json:"saved_at"`
}

// =============================================================================
// CHANNELS
// =============================================================================

type OrderLineRequest struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Quantity  int64  `json:"quantity"`
}

type OrderRequest struct {
	Number     string             `json:"number"`
	Channel    string             `json:"channel"` // "pos" or "online"
	LocationID string             `json:"location_id"`
	Lines      []OrderLineRequest `json:"lines"`
	Actor      string             `json:"actor,omitempty"`
}

func (r OrderRequest) order() channel.Order {
	o := channel.Order{
		Number:     r.Number,
		Channel:    channel.SalesChannel(r.Channel),
		LocationID: stock.LocationID(r.LocationID),
		Actor:      r.Actor,
	}
	for _, l := range r.Lines {
		o.Lines = append(o.Lines, channel.OrderLine{
			ProductID: stock.ProductID(l.ProductID),
			Variant:   variant.Key(l.Variant),
			Quantity:  l.Quantity,
		})
	}
	return o
}

type ActorRequest struct {
	Actor string `json:"actor,omitempty"`
}

type PartRequest struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Variant    string `json:"variant,omitempty"`
	Quantity   int64  `json:"quantity"`
	Actor      string `json:"actor,omitempty"`
}

type TransferRequest struct {
	Reference string `json:"reference,omitempty"`
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Quantity  int64  `json:"quantity"`
	Actor     string `json:"actor,omitempty"`
}

type TransferDTO struct {
	Reference string `json:"reference"`
}

// =============================================================================
// CONFLICTS
// =============================================================================

type ConflictDTO struct {
	ProductID  string   `json:"product_id"`
	LocationID string   `json:"location_id"`
	Variant    string   `json:"variant,omitempty"`
	Balance    int64    `json:"balance"`
	Shortfall  int64    `json:"shortfall"`
	References []string `json:"references"`
}

func toConflictDTO(c conflict.Conflict) ConflictDTO {
	refs := c.References
	if refs == nil {
		refs = []string{}
	}
	return ConflictDTO{
		ProductID:  string(c.Key.ProductID),
		LocationID: string(c.Key.LocationID),
		Variant:    string(c.Key.Variant),
		Balance:    c.Balance,
		Shortfall:  c.Shortfall,
		References: refs,
	}
}

type ResolveRequest struct {
	ProductID     string `json:"product_id"`
	LocationID    string `json:"location_id"`
	Variant       string `json:"variant,omitempty"`
	Action        string `json:"action"` // ADJUST, BACKORDER or REFUND
	Quantity      int64  `json:"quantity,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	ReferenceDoc  string `json:"reference_doc,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

type ResolutionDTO struct {
	Outcome       string   `json:"outcome"`
	TransactionID string   `json:"transaction_id,omitempty"`
	Before        int64    `json:"before"`
	After         int64    `json:"after"`
	References    []string `json:"references,omitempty"`
}

type ScanSummaryDTO struct {
	StartedAt string `json:"started_at"`
	Open      int    `json:"open"`
	Resolved  int    `json:"resolved"`
	Failed    int    `json:"failed"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
