/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Populates an empty ledger with realistic data so the admin UI and the
	conflict view have something to show.

AVAILABLE SCENARIOS:

	oversell:     Two channels sell the last unit; one negative balance
	variants:     Color x Size product, then a definition change
	repair-shop:  Parts consumed and returned by a ticket, plus a transfer

HOW SCENARIOS WORK:
 1. Create the demo locations (S1 store, W1 warehouse)
 2. Save variant definitions where needed
 3. Record movements with fixed transaction ids

	The ledger cannot be reset, so a scenario loaded twice writes nothing
	the second time: every id is already recorded and skipped.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "oversell"}

NOTE:
	Routes are only mounted when Handler.Demo is set.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/stock-ledger/channel"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "oversell",
			Name:        "Oversell",
			Description: "POS and storefront both sell the last lamp; the conflict view shows -1",
		},
		load: loadOversellScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "variants",
			Name:        "Variants",
			Description: "T-shirt in Color x Size; size M is later dropped but keeps its stock row",
		},
		load: loadVariantsScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "repair-shop",
			Name:        "Repair Shop",
			Description: "Screens consumed by a repair ticket, one returned, stock transferred in",
		},
		load: loadRepairShopScenario,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}

	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := h.LoadScenarioByID(r.Context(), s.ID); err != nil {
			h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
		return
	}
	writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
}

// LoadScenarioByID loads a scenario without going through HTTP.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	for _, s := range scenarios {
		if s.ID == id {
			if err := seedLocations(ctx, h); err != nil {
				return err
			}
			return s.load(ctx, h)
		}
	}
	return fmt.Errorf("scenario %q: %w", id, stock.ErrNotFound)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func seedLocations(ctx context.Context, h *Handler) error {
	for _, loc := range []stock.Location{
		{ID: "S1", Name: "Downtown store", Type: stock.LocationTypeStore},
		{ID: "W1", Name: "Central warehouse", Type: stock.LocationTypeWarehouse},
	} {
		if err := h.Store.SaveLocation(ctx, loc); err != nil {
			return err
		}
	}
	return nil
}

// recordAll writes each movement, skipping ids that are already recorded.
func recordAll(ctx context.Context, h *Handler, ins ...stock.MovementInput) error {
	for _, in := range ins {
		if _, err := h.Writer.Record(ctx, in); err != nil && !stock.IsDuplicate(err) {
			return fmt.Errorf("record %s: %w", in.TransactionID, err)
		}
	}
	return nil
}

func loadOversellScenario(ctx context.Context, h *Handler) error {
	err := recordAll(ctx, h,
		stock.MovementInput{TransactionID: "demo-mug-1", ProductID: "MUG", LocationID: "S1", Delta: 50, Reason: stock.ReasonInitialStock},
		stock.MovementInput{TransactionID: "demo-mug-2", ProductID: "MUG", LocationID: "S1", Delta: -3, Reason: stock.ReasonSalePOS, ReferenceDoc: "pos-1001"},
		stock.MovementInput{TransactionID: "demo-mug-3", ProductID: "MUG", LocationID: "S1", Delta: -2, Reason: stock.ReasonSalePOS, ReferenceDoc: "pos-1002"},
		stock.MovementInput{TransactionID: "demo-mug-4", ProductID: "MUG", LocationID: "S1", Delta: 1, Reason: stock.ReasonReturn, ReferenceDoc: "pos-1001"},
		stock.MovementInput{TransactionID: "demo-lamp-1", ProductID: "LAMP", LocationID: "S1", Delta: 1, Reason: stock.ReasonInitialStock},
	)
	if err != nil {
		return err
	}

	for _, o := range []channel.Order{
		{Number: "pos-1003", Channel: channel.ChannelPOS, LocationID: "S1", Lines: []channel.OrderLine{{ProductID: "LAMP", Quantity: 1}}},
		{Number: "web-2001", Channel: channel.ChannelOnline, LocationID: "S1", Lines: []channel.OrderLine{{ProductID: "LAMP", Quantity: 1}}},
	} {
		if _, err := h.Checkout.Confirm(ctx, o); err != nil && !stock.IsDuplicate(err) {
			return err
		}
	}
	return nil
}

func loadVariantsScenario(ctx context.Context, h *Handler) error {
	current, err := h.Store.Definition(ctx, "TEE")
	if err != nil {
		return err
	}
	if len(current) == 0 {
		if err := h.Store.SaveDefinition(ctx, "TEE", variant.Definition{
			"Color": {"Red", "Blue"},
			"Size":  {"S", "M"},
		}); err != nil {
			return err
		}
	}

	err = recordAll(ctx, h,
		stock.MovementInput{TransactionID: "demo-tee-1", ProductID: "TEE", LocationID: "S1", Variant: "Color:Red;Size:S", Delta: 10, Reason: stock.ReasonInitialStock},
		stock.MovementInput{TransactionID: "demo-tee-2", ProductID: "TEE", LocationID: "S1", Variant: "Color:Red;Size:M", Delta: 4, Reason: stock.ReasonInitialStock},
		stock.MovementInput{TransactionID: "demo-tee-3", ProductID: "TEE", LocationID: "S1", Variant: "Color:Blue;Size:S", Delta: 6, Reason: stock.ReasonInitialStock},
		stock.MovementInput{TransactionID: "demo-tee-4", ProductID: "TEE", LocationID: "S1", Variant: "Color:Red;Size:S", Delta: -2, Reason: stock.ReasonEcomSale, ReferenceDoc: "web-2002"},
		stock.MovementInput{TransactionID: "demo-tee-5", ProductID: "TEE", LocationID: "S1", Variant: "Color:Blue;Size:S", Delta: -1, Reason: stock.ReasonVariantAdjust, ReferenceDoc: "count-7"},
	)
	if err != nil {
		return err
	}

	// Size M is discontinued. Its 4 units stay visible as a historical key.
	if len(current) == 0 || len(current["Size"]) != 1 {
		return h.Store.SaveDefinition(ctx, "TEE", variant.Definition{
			"Color": {"Red", "Blue"},
			"Size":  {"S"},
		})
	}
	return nil
}

func loadRepairShopScenario(ctx context.Context, h *Handler) error {
	err := recordAll(ctx, h,
		stock.MovementInput{TransactionID: "demo-screen-1", ProductID: "SCREEN-12", LocationID: "W1", Delta: 20, Reason: stock.ReasonInitialStock},
		stock.MovementInput{TransactionID: "demo-screen-2", ProductID: "SCREEN-12", LocationID: "S1", Delta: 2, Reason: stock.ReasonInitialStock},
	)
	if err != nil {
		return err
	}

	if _, err := h.Transfers.Move(ctx, channel.Transfer{
		Reference: "demo-transfer-1", ProductID: "SCREEN-12", From: "W1", To: "S1", Quantity: 5,
	}); err != nil && !stock.IsDuplicate(err) {
		return err
	}

	parts, err := h.Tickets.Parts(ctx, "T-100")
	if err != nil {
		return err
	}
	if len(parts) > 0 {
		return nil
	}
	first, err := h.Tickets.AddPart(ctx, channel.PartUse{TicketID: "T-100", ProductID: "SCREEN-12", LocationID: "S1", Quantity: 1})
	if err != nil {
		return err
	}
	if _, err := h.Tickets.AddPart(ctx, channel.PartUse{TicketID: "T-100", ProductID: "SCREEN-12", LocationID: "S1", Quantity: 1}); err != nil {
		return err
	}
	_, err = h.Tickets.RemovePart(ctx, "T-100", first, "demo")
	return err
}
