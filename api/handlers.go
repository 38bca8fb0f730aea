/*
handlers.go - HTTP handlers for the ledger admin boundary

PURPOSE:
  Exposes the ledger engine to back-office tools. Handles HTTP
  request/response and JSON, and delegates everything else to the domain
  packages. No handler computes a balance or validates a movement itself.

ENDPOINTS:
  Locations:
    GET    /api/locations                        List locations
    POST   /api/locations                        Create or rename a location

  Movements:
    POST   /api/movements                        Record one movement
    POST   /api/movements/batch                  Record movements atomically
    GET    /api/reasons                          Reason code taxonomy
    POST   /api/adjustments                      Manual correction

  Products:
    GET    /api/products/{id}/stock              ?location=&variant=*|-|key
    GET    /api/products/{id}/movements          History with running balance
    GET    /api/products/{id}/variants           Per-variant stock view
    GET    /api/products/{id}/variations         Current definition + history
    PUT    /api/products/{id}/variations         Save a new definition
    GET    /api/products/{id}/valuation          Weighted average cost
    POST   /api/products/{id}/snapshot           Freeze settled balances

  Channels:
    POST   /api/orders                           Confirm an order
    POST   /api/orders/{number}/cancel           Cancel an order
    GET    /api/tickets/{id}/parts               Parts still on a ticket
    POST   /api/tickets/{id}/parts               Consume a part
    POST   /api/tickets/{id}/parts/{tx}/return   Return a consumed part
    POST   /api/transfers                        Move stock between locations

  Conflicts:
    GET    /api/conflicts                        ?product=&location=&min_shortfall=
    POST   /api/conflicts/resolve                ADJUST, BACKORDER or REFUND
    POST   /api/conflicts/scan                   Run the scheduler pass now

ERROR HANDLING:
  - 400: Invalid movement, unknown location, ambiguous scope, bad definition
  - 404: Unknown order, ticket part or location
  - 409: Duplicate transaction id (already recorded)
  - 500: Store failures

SECURITY NOTE:
  No authentication. This boundary is meant for an internal network only.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/channel"
	"github.com/warp/stock-ledger/conflict"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/variant"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is a full ledger store (memory, sqlite or postgres).
type Backend interface {
	stock.Store
	stock.LocationStore
	stock.SnapshotStore
	variant.Catalog
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Backend
	Writer    *stock.Writer
	Stock     *stock.Aggregator
	Snapshots *stock.Snapshotter
	Scanner   *conflict.Scanner
	Resolver  *conflict.Resolver
	Scheduler *conflict.Scheduler
	Checkout  *channel.Checkout
	Tickets   *channel.Tickets
	Transfers *channel.Transfers
	Logger    zerolog.Logger

	// Demo enables the scenario loader routes.
	Demo bool
}

// NewHandler wires the ledger components on top of one backend. cache may
// be nil.
func NewHandler(store Backend, cache stock.BalanceCache, logger zerolog.Logger) *Handler {
	writer := stock.NewWriter(store, store, logger)
	writer.Cache = cache

	agg := stock.NewAggregator(store, store, logger)
	agg.Snapshots = store
	agg.Cache = cache

	scanner := conflict.NewScanner(agg, store, logger)
	resolver := conflict.NewResolver(writer, agg, scanner, logger)

	return &Handler{
		Store:     store,
		Writer:    writer,
		Stock:     agg,
		Snapshots: stock.NewSnapshotter(store, store, logger),
		Scanner:   scanner,
		Resolver:  resolver,
		Scheduler: conflict.NewScheduler(scanner, resolver, logger),
		Checkout:  channel.NewCheckout(writer, store, logger),
		Tickets:   channel.NewTickets(writer, store, logger),
		Transfers: channel.NewTransfers(writer, logger),
		Logger:    logger,
	}
}

// =============================================================================
// LOCATION HANDLERS
// =============================================================================

// ListLocations returns all locations.
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.Store.ListLocations(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list locations", err)
		return
	}
	dtos := make([]LocationDTO, len(locs))
	for i, l := range locs {
		dtos[i] = toLocationDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveLocation creates a location or renames an existing one.
func (h *Handler) SaveLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationDTO
	if !decode(w, r, &req) {
		return
	}
	loc := stock.Location{ID: stock.LocationID(req.ID), Name: req.Name, Type: stock.LocationType(req.Type)}
	if loc.ID == "" || !loc.Type.Valid() {
		writeError(w, http.StatusBadRequest, "Location needs an id and a type (store or warehouse)", nil)
		return
	}
	if err := h.Store.SaveLocation(r.Context(), loc); err != nil {
		h.fail(w, r, "Failed to save location", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLocationDTO(loc))
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// RecordMovement appends one movement.
// POST /api/movements
func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.Writer.Record(r.Context(), req.input())
	if err != nil {
		h.fail(w, r, "Failed to record movement", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: []string{string(id)}})
}

// RecordBatch appends movements atomically.
// POST /api/movements/batch
func (h *Handler) RecordBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	ins := make([]stock.MovementInput, len(req.Movements))
	for i, m := range req.Movements {
		ins[i] = m.input()
	}
	ids, err := h.Writer.RecordBatch(r.Context(), ins)
	if err != nil {
		h.fail(w, r, "Failed to record batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: idStrings(ids)})
}

// ListReasons returns the reason code taxonomy.
func (h *Handler) ListReasons(w http.ResponseWriter, r *http.Request) {
	reasons := stock.Reasons()
	dtos := make([]ReasonDTO, len(reasons))
	for i, rc := range reasons {
		dtos[i] = toReasonDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAdjustment records a manual correction through the writer.
// POST /api/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	reason := stock.ReasonAdminAdjust
	if req.ReasonCode != "" {
		parsed, err := stock.ParseReason(req.ReasonCode)
		if err != nil {
			h.fail(w, r, "Invalid reason code", err)
			return
		}
		reason = parsed
	}

	id, err := h.Writer.Record(r.Context(), stock.MovementInput{
		TransactionID: stock.TransactionID(req.TransactionID),
		ProductID:     stock.ProductID(req.ProductID),
		LocationID:    stock.LocationID(req.LocationID),
		Variant:       variant.Key(req.Variant),
		Delta:         req.Delta,
		Reason:        reason,
		ReferenceDoc:  req.ReferenceDoc,
		Actor:         req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to record adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: []string{string(id)}})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// GetStock returns the balance for a scope. A missing variant parameter
// means every variant.
// GET /api/products/{id}/stock?location=&variant=
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	qty, err := h.Stock.CurrentStock(r.Context(), scope)
	if err != nil {
		h.fail(w, r, "Failed to compute stock", err)
		return
	}
	writeJSON(w, http.StatusOK, StockDTO{
		ProductID:  string(scope.ProductID),
		LocationID: string(scope.LocationID),
		Variant:    scope.Variant.String(),
		Quantity:   qty,
	})
}

// GetMovements returns the scope's history with a running balance.
// GET /api/products/{id}/movements?location=&variant=&limit=
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	entries, err := h.Stock.History(r.Context(), scope, limit)
	if err != nil {
		h.fail(w, r, "Failed to load movements", err)
		return
	}
	dtos := make([]MovementDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toMovementDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVariantStock returns one row per declared or historical variant key.
// GET /api/products/{id}/variants?location=
func (h *Handler) GetVariantStock(w http.ResponseWriter, r *http.Request) {
	productID := stock.ProductID(chi.URLParam(r, "id"))
	rows, err := h.Stock.VariantStockView(r.Context(), productID, stock.LocationID(r.URL.Query().Get("location")))
	if err != nil {
		h.fail(w, r, "Failed to list variant stock", err)
		return
	}
	dtos := make([]VariantStockDTO, len(rows))
	for i, row := range rows {
		dtos[i] = VariantStockDTO{Variant: string(row.Key), Quantity: row.Quantity, Declared: row.Declared}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVariations returns every saved definition version, oldest first.
func (h *Handler) GetVariations(w http.ResponseWriter, r *http.Request) {
	history, err := h.Store.DefinitionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to load variations", err)
		return
	}
	dtos := make([]DefinitionVersionDTO, len(history))
	for i, v := range history {
		dtos[i] = DefinitionVersionDTO{
			Version:    v.Number,
			Definition: DefinitionDTO(v.Definition),
			SavedAt:    v.SavedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveVariations stores a new definition version. Existing movements keep
// their keys; keys dropped from the definition stay visible as historical.
// PUT /api/products/{id}/variations
func (h *Handler) SaveVariations(w http.ResponseWriter, r *http.Request) {
	var req DefinitionDTO
	if !decode(w, r, &req) {
		return
	}
	def := variant.Definition(req)
	if err := h.Store.SaveDefinition(r.Context(), chi.URLParam(r, "id"), def); err != nil {
		h.fail(w, r, "Failed to save variations", err)
		return
	}
	keys, err := variant.Expand(def)
	if err != nil {
		h.fail(w, r, "Failed to expand variations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// GetValuation returns on-hand quantity and weighted average cost.
func (h *Handler) GetValuation(w http.ResponseWriter, r *http.Request) {
	productID := stock.ProductID(chi.URLParam(r, "id"))
	locationID := stock.LocationID(r.URL.Query().Get("location"))
	v, err := h.Stock.Valuation(r.Context(), productID, locationID)
	if err != nil {
		h.fail(w, r, "Failed to compute valuation", err)
		return
	}
	writeJSON(w, http.StatusOK, ValuationDTO{
		ProductID:   string(v.ProductID),
		LocationID:  string(v.LocationID),
		OnHand:      v.OnHand,
		AverageCost: v.AverageCost,
		Value:       v.Value,
	})
}

// TakeSnapshot freezes the product's settled balances. Returns 204 when
// nothing new has settled since the last snapshot.
func (h *Handler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Snapshots.TakeSnapshot(r.Context(), stock.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to take snapshot", err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, SnapshotDTO{
		ProductID: string(snap.ProductID),
		Seq:       snap.Seq,
		Keys:      len(snap.Balances),
		TakenAt:   snap.TakenAt.Format(time.RFC3339),
	})
}

// =============================================================================
// CHANNEL HANDLERS
// =============================================================================

// ConfirmOrder records every order line as one atomic batch.
// POST /api/orders
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := h.Checkout.Confirm(r.Context(), req.order())
	if err != nil {
		h.fail(w, r, "Failed to confirm order", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: idStrings(ids)})
}

// CancelOrder restores the order's sale lines. Cancelling twice is a no-op.
// POST /api/orders/{number}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	ids, err := h.Checkout.Cancel(r.Context(), chi.URLParam(r, "number"), req.Actor)
	if err != nil {
		h.fail(w, r, "Failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, RecordedDTO{TransactionIDs: idStrings(ids)})
}

// ListParts returns the parts consumed by a ticket and not yet returned.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	parts, err := h.Tickets.Parts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list parts", err)
		return
	}
	dtos := make([]MovementDTO, len(parts))
	for i, m := range parts {
		dtos[i] = toMovementDTO(stock.HistoryEntry{Movement: m})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddPart consumes a part for a repair ticket.
// POST /api/tickets/{id}/parts
func (h *Handler) AddPart(w http.ResponseWriter, r *http.Request) {
	var req PartRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.Tickets.AddPart(r.Context(), channel.PartUse{
		TicketID:   chi.URLParam(r, "id"),
		ProductID:  stock.ProductID(req.ProductID),
		LocationID: stock.LocationID(req.LocationID),
		Variant:    variant.Key(req.Variant),
		Quantity:   req.Quantity,
		Actor:      req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to add part", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: []string{string(id)}})
}

// ReturnPart puts a consumed part back into stock.
// POST /api/tickets/{id}/parts/{tx}/return
func (h *Handler) ReturnPart(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	id, err := h.Tickets.RemovePart(r.Context(), chi.URLParam(r, "id"), stock.TransactionID(chi.URLParam(r, "tx")), req.Actor)
	if err != nil {
		h.fail(w, r, "Failed to return part", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordedDTO{TransactionIDs: []string{string(id)}})
}

// CreateTransfer moves stock between two locations atomically.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	ref, err := h.Transfers.Move(r.Context(), channel.Transfer{
		Reference: req.Reference,
		ProductID: stock.ProductID(req.ProductID),
		Variant:   variant.Key(req.Variant),
		From:      stock.LocationID(req.From),
		To:        stock.LocationID(req.To),
		Quantity:  req.Quantity,
		Actor:     req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to transfer stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferDTO{Reference: ref})
}

// =============================================================================
// CONFLICT HANDLERS
// =============================================================================

// ListConflicts scans for negative balances. Nothing is persisted; every
// call recomputes the view.
// GET /api/conflicts?product=&location=&min_shortfall=
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := conflict.ScanFilter{
		ProductID:  stock.ProductID(q.Get("product")),
		LocationID: stock.LocationID(q.Get("location")),
	}
	if s := q.Get("min_shortfall"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "min_shortfall must be a non-negative integer", err)
			return
		}
		f.MinShortfall = n
	}

	conflicts, err := h.Scanner.Scan(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to scan conflicts", err)
		return
	}
	dtos := make([]ConflictDTO, len(conflicts))
	for i, c := range conflicts {
		dtos[i] = toConflictDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveConflict applies one resolution action.
// POST /api/conflicts/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := conflict.ParseAction(req.Action)
	if err != nil {
		h.fail(w, r, "Invalid action", err)
		return
	}

	res, err := h.Resolver.Resolve(r.Context(), conflict.Resolution{
		Key: stock.BalanceKey{
			ProductID:  stock.ProductID(req.ProductID),
			LocationID: stock.LocationID(req.LocationID),
			Variant:    variant.Key(req.Variant),
		},
		Action:        action,
		Quantity:      req.Quantity,
		TransactionID: stock.TransactionID(req.TransactionID),
		ReferenceDoc:  req.ReferenceDoc,
		Actor:         req.Actor,
	})
	if err != nil {
		h.fail(w, r, "Failed to resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, ResolutionDTO{
		Outcome:       string(res.Outcome),
		TransactionID: string(res.TransactionID),
		Before:        res.Before,
		After:         res.After,
		References:    res.References,
	})
}

// TriggerScan runs one scheduler pass now (scan, gauge update, policy).
// POST /api/conflicts/scan
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	summary := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, ScanSummaryDTO{
		StartedAt: summary.StartedAt.UTC().Format(time.RFC3339),
		Open:      summary.Open,
		Resolved:  summary.Resolved,
		Failed:    summary.Failed,
	})
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface {
		Ping(ctx context.Context) error
	}); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (stock.Scope, bool) {
	q := r.URL.Query()
	raw := q.Get("variant")
	if raw == "" {
		raw = "*"
	}
	vf, err := stock.ParseVariantFilter(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid variant scope", err)
		return stock.Scope{}, false
	}
	return stock.Scope{
		ProductID:  stock.ProductID(chi.URLParam(r, "id")),
		LocationID: stock.LocationID(q.Get("location")),
		Variant:    vf,
	}, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case stock.IsDuplicate(err):
		return http.StatusConflict
	case stock.IsNotFound(err):
		return http.StatusNotFound
	case stock.IsClientError(err), errors.Is(err, variant.ErrInvalidDefinition):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func idStrings(ids []stock.TransactionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
