package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/service"
	"p2c-service/internal/testutil"
	"p2c-service/internal/util"
	"p2c-service/internal/voucher"
)

type testServer struct {
	router    *gin.Engine
	handler   *Handler
	store     *testutil.MemStore
	transport *testutil.FakeTransport
	dispatch  *service.InlineDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())

	st := testutil.NewMemStore()
	st.PutInventory(models.InventoryItem{
		SKU: "BoxA", Name: "Box A", Kind: models.OrderKindBox,
		PriceUSD: decimal.RequireFromString("300"), Stock: 1,
	})
	transport := &testutil.FakeTransport{}

	banks, err := gateway.LoadBanks("")
	require.NoError(t, err)
	gw := gateway.NewClient(transport, banks, gateway.Options{
		CommercePhone:    "04120000000",
		CommerceBankCode: "0102",
		ChargeTimeout:    time.Second,
	}, zap.NewNop())

	publisher := &testutil.FakePublisher{}
	ledger := service.NewTransactionLedger(st, st, 30*time.Minute)
	inventory := service.NewInventoryLedger(st, nil, 30*time.Minute)
	pipeline := service.NewApprovalPipeline(st, inventory, &testutil.FakeNotifier{}, publisher, service.PipelineConfig{
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
	})
	dispatcher := service.NewInlineDispatcher(pipeline)
	payments := service.NewPaymentService(ledger, inventory, st, st, gw, dispatcher, publisher, decimal.RequireFromString("36.50"))
	orders := service.NewOrderService(st, inventory)
	recon := service.NewReconciliationService(ledger, payments, gw, st, testutil.NewFakeGuard(), "secret")

	h := NewHandler(orders, payments, recon, inventory, "")
	router := gin.New()
	h.SetupRoutes(router)

	return &testServer{router: router, handler: h, store: st, transport: transport, dispatch: dispatcher}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *testServer) createOrder(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"kind":        "box",
		"buyer_name":  "Ana",
		"buyer_email": "ana@example.com",
		"items":       []map[string]any{{"sku": "BoxA", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode(t, w)["order"].(map[string]any)
	return order["id"].(string)
}

func chargeBody(orderID string) map[string]any {
	return map[string]any{
		"order_id":              orderID,
		"client_phone":          "04141234567",
		"client_identification": "V12345678",
		"client_bank_code":      "0102",
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("database", func(context.Context) error { return errors.New("down") })
	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	failed := decode(t, w)["failed"].(map[string]any)
	assert.Equal(t, "down", failed["database"])
}

func TestOrderAndChargeFlow(t *testing.T) {
	s := newTestServer(t)
	orderID := s.createOrder(t)

	w := s.do(t, http.MethodGet, "/api/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payments/p2c", chargeBody(orderID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.dispatch.Wait()

	resp := decode(t, w)
	assert.Equal(t, "approved", resp["status"])
	assert.Equal(t, "300.00", resp["amount_usd"])
	assert.Equal(t, "10950.00", resp["amount_bs"])
	control := resp["control"].(string)

	w = s.do(t, http.MethodGet, "/api/v1/payments/"+control+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["events"])

	w = s.do(t, http.MethodGet, "/api/v1/inventory/BoxA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	item := decode(t, w)["item"].(map[string]any)
	assert.Equal(t, float64(1), item["assigned"])
	assert.Equal(t, float64(0), item["reserved"])
}

func TestSoldOutOrderIsConflict(t *testing.T) {
	s := newTestServer(t)
	s.createOrder(t)

	w := s.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"kind":        "box",
		"buyer_name":  "Luis",
		"buyer_email": "luis@example.com",
		"items":       []map[string]any{{"sku": "BoxA", "quantity": 1}},
	})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "insufficient_inventory", body["kind"])
	assert.Equal(t, float64(0), body["available"])
}

func TestDeclinedChargeReturnsVoucher(t *testing.T) {
	s := newTestServer(t)
	s.transport.ChargeFunc = func(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{
			Code:        "51",
			Description: "FONDOS INSUFICIENTES",
			Voucher:     voucher.FromLines([]string{"RECHAZADA", "FONDOS INSUFICIENTES"}),
		}, nil
	}
	orderID := s.createOrder(t)

	w := s.do(t, http.MethodPost, "/api/v1/payments/p2c", chargeBody(orderID))
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "gateway_rejection", body["kind"])
	assert.Equal(t, "51", body["code"])
	assert.Contains(t, body["voucher"], "FONDOS INSUFICIENTES")

	payment := body["payment"].(map[string]any)
	assert.Equal(t, "failed", payment["status"])
}

func TestChargeValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/payments/p2c", map[string]any{"order_id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	orderID := s.createOrder(t)
	body := chargeBody(orderID)
	body["client_phone"] = "123"
	w = s.do(t, http.MethodPost, "/api/v1/payments/p2c", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, s.transport.Charges())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook",
		bytes.NewBufferString(`{"control":"CTRL-0001","estado":"A"}`))
	req.Header.Set("X-Signature", "00")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["kind"])
}

func TestUnknownResourcesAreNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/api/v1/orders/missing",
		"/api/v1/inventory/missing",
		"/api/v1/payments/CTRL-9999/status",
	} {
		w := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
