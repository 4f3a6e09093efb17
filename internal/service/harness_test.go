package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/testutil"
	"p2c-service/internal/util"
)

const (
	testPhone    = "04141234567"
	testID       = "V12345678"
	testBank     = "0102"
	testSecret   = "webhook-secret"
	expiryWindow = 30 * time.Minute
)

type harness struct {
	store      *testutil.MemStore
	transport  *testutil.FakeTransport
	notifier   *testutil.FakeNotifier
	publisher  *testutil.FakePublisher
	guard      *testutil.FakeGuard
	ledger     *TransactionLedger
	inventory  *InventoryLedger
	pipeline   *ApprovalPipeline
	dispatcher *InlineDispatcher
	payments   *PaymentService
	orders     *OrderService
	recon      *ReconciliationService
	sweeper    *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	util.SetLogger(zap.NewNop())

	h := &harness{
		store:     testutil.NewMemStore(),
		transport: &testutil.FakeTransport{},
		notifier:  &testutil.FakeNotifier{},
		publisher: &testutil.FakePublisher{},
		guard:     testutil.NewFakeGuard(),
	}

	banks, err := gateway.LoadBanks("")
	require.NoError(t, err)
	gw := gateway.NewClient(h.transport, banks, gateway.Options{
		CommercePhone:    "04120000000",
		CommerceBankCode: "0102",
		ChargeTimeout:    50 * time.Millisecond,
	}, zap.NewNop())

	h.ledger = NewTransactionLedger(h.store, h.store, expiryWindow)
	h.inventory = NewInventoryLedger(h.store, nil, expiryWindow)
	h.pipeline = NewApprovalPipeline(h.store, h.inventory, h.notifier, h.publisher, PipelineConfig{
		MaxAttempts:         3,
		Backoff:             time.Millisecond,
		NotificationRetries: 3,
	})
	h.dispatcher = NewInlineDispatcher(h.pipeline)
	h.payments = NewPaymentService(h.ledger, h.inventory, h.store, h.store, gw,
		h.dispatcher, h.publisher, decimal.RequireFromString("36.50"))
	h.orders = NewOrderService(h.store, h.inventory)
	h.recon = NewReconciliationService(h.ledger, h.payments, gw, h.store, h.guard, testSecret)
	h.sweeper = NewSweeper(h.ledger, h.inventory, h.payments, h.recon, h.dispatcher, h.publisher, SweeperConfig{
		Interval:       time.Minute,
		ReconcileAfter: time.Minute,
		BatchSize:      10,
	})

	h.store.PutInventory(models.InventoryItem{
		SKU: "M-Male", Name: "10K Male", Kind: models.OrderKindRaceGroup,
		PriceUSD: decimal.RequireFromString("25.00"), Stock: 10,
	})
	h.store.PutInventory(models.InventoryItem{
		SKU: "BoxA", Name: "Box A", Kind: models.OrderKindBox,
		PriceUSD: decimal.RequireFromString("300.00"), Stock: 1,
	})
	h.store.PutInventory(models.InventoryItem{
		SKU: "GEN", Name: "General", Kind: models.OrderKindTickets,
		PriceUSD: decimal.RequireFromString("12.50"), Stock: 100,
	})
	return h
}

func (h *harness) order(t *testing.T, kind models.OrderKind, sku string, qty int, holders ...string) *models.Order {
	t.Helper()
	view, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		Kind:       kind,
		BuyerName:  "Ana Perez",
		BuyerEmail: "ana@example.com",
		Items:      []OrderItemRequest{{SKU: sku, Quantity: qty, Holders: holders}},
	})
	require.NoError(t, err)
	return view.Order
}

func (h *harness) item(t *testing.T, sku string) *models.InventoryItem {
	t.Helper()
	item, err := h.inventory.Get(context.Background(), sku)
	require.NoError(t, err)
	return item
}

func chargeRequest(orderID string) *ChargeRequest {
	return &ChargeRequest{
		OrderID:              orderID,
		ClientPhone:          testPhone,
		ClientIdentification: testID,
		ClientBankCode:       testBank,
	}
}
