/*
handlers_test.go - HTTP tests for the admin boundary

Tests for:
- Status code mapping (400/404/409)
- Movement writes and balance reads over HTTP
- Orders, tickets, transfers
- Conflict listing and resolution
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
	"github.com/warp/stock-ledger/variant"
)

type testServer struct {
	h   *Handler
	mux http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(mem, nil, zerolog.Nop())
	h.Demo = true
	ctx := context.Background()
	require.NoError(t, mem.SaveLocation(ctx, stock.Location{ID: "S1", Name: "Store", Type: stock.LocationTypeStore}))
	require.NoError(t, mem.SaveLocation(ctx, stock.Location{ID: "W1", Name: "Warehouse", Type: stock.LocationTypeWarehouse}))
	return &testServer{h: h, mux: NewRouter(h)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) onHand(t *testing.T, path string) int64 {
	t.Helper()
	rec := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dto StockDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	return dto.Quantity
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// MOVEMENTS & BALANCES
// =============================================================================

func TestRecordMovement_ThenStock(t *testing.T) {
	// GIVEN: INITIAL_STOCK +50, SALE_POS -3, SALE_POS -2, RETURN +1 over HTTP
	// THEN: stock is 46 and history carries the running balance
	s := newTestServer(t)
	for _, m := range []MovementRequest{
		{ProductID: "P", LocationID: "S1", Delta: 50, ReasonCode: "INITIAL_STOCK"},
		{ProductID: "P", LocationID: "S1", Delta: -3, ReasonCode: "SALE_POS", ReferenceDoc: "pos-1"},
		{ProductID: "P", LocationID: "S1", Delta: -2, ReasonCode: "SALE_POS", ReferenceDoc: "pos-2"},
		{ProductID: "P", LocationID: "S1", Delta: 1, ReasonCode: "RETURN", ReferenceDoc: "pos-1"},
	} {
		rec := s.do(t, http.MethodPost, "/api/movements", m)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	assert.Equal(t, int64(46), s.onHand(t, "/api/products/P/stock?location=S1"))
	assert.Equal(t, int64(46), s.onHand(t, "/api/products/P/stock?variant=-"))

	rec := s.do(t, http.MethodGet, "/api/products/P/movements?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]MovementDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, int64(45), history[0].Balance)
	assert.Equal(t, int64(46), history[1].Balance)
}

func TestRecordMovement_StatusCodes(t *testing.T) {
	s := newTestServer(t)
	ok := MovementRequest{TransactionID: "t1", ProductID: "P", LocationID: "S1", Delta: 5, ReasonCode: "RESTOCK"}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/movements", ok).Code)

	cases := []struct {
		name string
		req  MovementRequest
		want int
	}{
		{"duplicate id", ok, http.StatusConflict},
		{"unknown location", MovementRequest{ProductID: "P", LocationID: "X", Delta: 1, ReasonCode: "RESTOCK"}, http.StatusBadRequest},
		{"zero delta", MovementRequest{ProductID: "P", LocationID: "S1", Delta: 0, ReasonCode: "RESTOCK"}, http.StatusBadRequest},
		{"unknown reason", MovementRequest{ProductID: "P", LocationID: "S1", Delta: 1, ReasonCode: "GIFT"}, http.StatusBadRequest},
		{"decrease without reference", MovementRequest{ProductID: "P", LocationID: "S1", Delta: -1, ReasonCode: "SALE_POS"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/movements", tc.req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}

	assert.Equal(t, int64(5), s.onHand(t, "/api/products/P/stock"))
}

func TestRecordBatch_Atomic(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/movements/batch", BatchRequest{Movements: []MovementRequest{
		{ProductID: "P", LocationID: "S1", Delta: 5, ReasonCode: "RESTOCK"},
		{ProductID: "P", LocationID: "S1", Delta: 0, ReasonCode: "RESTOCK"},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), s.onHand(t, "/api/products/P/stock"))

	rec = s.do(t, http.MethodPost, "/api/movements/batch", BatchRequest{Movements: []MovementRequest{
		{ProductID: "P", LocationID: "S1", Delta: 5, ReasonCode: "RESTOCK"},
		{ProductID: "Q", LocationID: "S1", Delta: 2, ReasonCode: "RESTOCK"},
	}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, decodeBody[RecordedDTO](t, rec).TransactionIDs, 2)
}

func TestGetStock_InvalidVariantScope(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/products/P/stock?variant=Red", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAdjustment_DefaultsToAdminAdjust(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/adjustments", AdjustmentRequest{ProductID: "P", LocationID: "S1", Delta: -4, ReferenceDoc: "count-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	history := decodeBody[[]MovementDTO](t, s.do(t, http.MethodGet, "/api/products/P/movements", nil))
	require.Len(t, history, 1)
	assert.Equal(t, "ADMIN_ADJ", history[0].ReasonCode)

	rec = s.do(t, http.MethodPost, "/api/adjustments", AdjustmentRequest{ProductID: "P", LocationID: "S1", Delta: 1, ReasonCode: "NOPE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReasons(t *testing.T) {
	s := newTestServer(t)
	reasons := decodeBody[[]ReasonDTO](t, s.do(t, http.MethodGet, "/api/reasons", nil))
	assert.Len(t, reasons, len(stock.Reasons()))
}

// =============================================================================
// VARIANTS, VALUATION, SNAPSHOTS
// =============================================================================

func TestVariations_SaveAndView(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/api/products/TEE/variations", DefinitionDTO{"Color": {"Red", "Blue"}, "Size": {"S"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/movements", MovementRequest{ProductID: "TEE", LocationID: "S1", Variant: "Color:Red;Size:S", Delta: 3, ReasonCode: "RESTOCK"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rows := decodeBody[[]VariantStockDTO](t, s.do(t, http.MethodGet, "/api/products/TEE/variants", nil))
	assert.Equal(t, []VariantStockDTO{
		{Variant: "Color:Red;Size:S", Quantity: 3, Declared: true},
		{Variant: "Color:Blue;Size:S", Quantity: 0, Declared: true},
	}, rows)

	rec = s.do(t, http.MethodPut, "/api/products/TEE/variations", DefinitionDTO{"Color": {}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	versions := decodeBody[[]DefinitionVersionDTO](t, s.do(t, http.MethodGet, "/api/products/TEE/variations", nil))
	assert.Len(t, versions, 1)
}

func TestGetValuation(t *testing.T) {
	s := newTestServer(t)
	for _, m := range []string{
		`{"product_id":"P","location_id":"S1","delta":10,"reason_code":"RESTOCK","unit_cost":"10"}`,
		`{"product_id":"P","location_id":"S1","delta":10,"reason_code":"RESTOCK","unit_cost":"16"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/movements", bytes.NewBufferString(m))
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	v := decodeBody[ValuationDTO](t, s.do(t, http.MethodGet, "/api/products/P/valuation", nil))
	assert.Equal(t, int64(20), v.OnHand)
	assert.Equal(t, "13", v.AverageCost.String())
	assert.Equal(t, "260", v.Value.String())
}

func TestTakeSnapshot_NothingSettled(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/movements",
		MovementRequest{ProductID: "P", LocationID: "S1", Delta: 5, ReasonCode: "RESTOCK"}).Code)

	rec := s.do(t, http.MethodPost, "/api/products/P/snapshot", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// =============================================================================
// CHANNELS
// =============================================================================

func TestOrders_ConfirmReplayCancel(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/movements",
		MovementRequest{ProductID: "P", LocationID: "S1", Delta: 10, ReasonCode: "INITIAL_STOCK"}).Code)

	order := OrderRequest{Number: "web-1", Channel: "online", LocationID: "S1", Lines: []OrderLineRequest{
		{ProductID: "P", Quantity: 2},
		{ProductID: "P", Quantity: 1},
	}}
	rec := s.do(t, http.MethodPost, "/api/orders", order)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(7), s.onHand(t, "/api/products/P/stock"))

	// WHEN: the same order is replayed
	// THEN: 409 and no double decrement
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/orders", order).Code)
	assert.Equal(t, int64(7), s.onHand(t, "/api/products/P/stock"))

	rec = s.do(t, http.MethodPost, "/api/orders/web-1/cancel", ActorRequest{Actor: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[RecordedDTO](t, rec).TransactionIDs, 2)
	assert.Equal(t, int64(10), s.onHand(t, "/api/products/P/stock"))

	rec = s.do(t, http.MethodPost, "/api/orders/web-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[RecordedDTO](t, rec).TransactionIDs)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/orders/nope/cancel", nil).Code)
}

func TestTickets_AddListReturn(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/tickets/T-1/parts", PartRequest{ProductID: "SCREEN", LocationID: "S1", Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeBody[RecordedDTO](t, rec).TransactionIDs[0]

	parts := decodeBody[[]MovementDTO](t, s.do(t, http.MethodGet, "/api/tickets/T-1/parts", nil))
	require.Len(t, parts, 1)
	assert.Equal(t, int64(-1), s.onHand(t, "/api/products/SCREEN/stock"))

	path := fmt.Sprintf("/api/tickets/T-1/parts/%s/return", tx)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, path, nil).Code)
	assert.Equal(t, int64(0), s.onHand(t, "/api/products/SCREEN/stock"))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/T-2/parts/%s/return", tx), nil).Code)
}

func TestCreateTransfer(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/transfers", TransferRequest{Reference: "tr-1", ProductID: "P", From: "W1", To: "S1", Quantity: 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "tr-1", decodeBody[TransferDTO](t, rec).Reference)

	assert.Equal(t, int64(-4), s.onHand(t, "/api/products/P/stock?location=W1"))
	assert.Equal(t, int64(4), s.onHand(t, "/api/products/P/stock?location=S1"))
	assert.Equal(t, int64(0), s.onHand(t, "/api/products/P/stock"))
}

// =============================================================================
// CONFLICTS
// =============================================================================

func TestConflicts_ListResolve(t *testing.T) {
	// GIVEN: stock 1 and two sales of 1 through different channels
	// WHEN: the conflict is listed and resolved with REFUND
	// THEN: it disappears from the list and the outcome is resolved
	s := newTestServer(t)
	for _, m := range []MovementRequest{
		{ProductID: "LAMP", LocationID: "S1", Delta: 1, ReasonCode: "INITIAL_STOCK"},
		{ProductID: "LAMP", LocationID: "S1", Delta: -1, ReasonCode: "SALE_POS", ReferenceDoc: "pos-1"},
		{ProductID: "LAMP", LocationID: "S1", Delta: -1, ReasonCode: "ECOM_SALE", ReferenceDoc: "web-1"},
	} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/movements", m).Code)
	}

	conflicts := decodeBody[[]ConflictDTO](t, s.do(t, http.MethodGet, "/api/conflicts", nil))
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(-1), conflicts[0].Balance)
	assert.Equal(t, int64(1), conflicts[0].Shortfall)
	assert.Equal(t, []string{"web-1"}, conflicts[0].References)

	rec := s.do(t, http.MethodPost, "/api/conflicts/resolve", ResolveRequest{ProductID: "LAMP", LocationID: "S1", Action: "refund", Actor: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ResolutionDTO](t, rec)
	assert.Equal(t, "resolved", res.Outcome)
	assert.Equal(t, int64(0), res.After)

	assert.Empty(t, decodeBody[[]ConflictDTO](t, s.do(t, http.MethodGet, "/api/conflicts", nil)))

	rec = s.do(t, http.MethodPost, "/api/conflicts/resolve", ResolveRequest{ProductID: "LAMP", LocationID: "S1", Action: "ADJUST"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_resolved", decodeBody[ResolutionDTO](t, rec).Outcome)

	rec = s.do(t, http.MethodPost, "/api/conflicts/resolve", ResolveRequest{ProductID: "LAMP", LocationID: "S1", Action: "IGNORE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflicts_ScanNow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/movements",
		MovementRequest{ProductID: "P", LocationID: "S1", Delta: -2, ReasonCode: "SALE_POS", ReferenceDoc: "pos-9"}).Code)

	rec := s.do(t, http.MethodPost, "/api/conflicts/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[ScanSummaryDTO](t, rec).Open)

	rec = s.do(t, http.MethodGet, "/api/conflicts?min_shortfall=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

func TestLocations(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/locations", LocationDTO{ID: "S2", Name: "Mall", Type: "store"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/locations", LocationDTO{ID: "S3", Type: "kiosk"}).Code)

	locs := decodeBody[[]LocationDTO](t, s.do(t, http.MethodGet, "/api/locations", nil))
	assert.Len(t, locs, 3)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&stock.DuplicateMovementError{TransactionID: "x"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", stock.ErrNotFound), http.StatusNotFound},
		{&stock.InvalidMovementError{Field: "delta", Reason: "zero"}, http.StatusBadRequest},
		{&stock.InvalidLocationError{LocationID: "X"}, http.StatusBadRequest},
		{&stock.InvalidScopeError{Reason: "r"}, http.StatusBadRequest},
		{fmt.Errorf("def: %w", variant.ErrInvalidDefinition), http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
