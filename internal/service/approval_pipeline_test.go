package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
	"p2c-service/internal/testutil"
)

// approvedWithoutPipeline charges an order with a dispatcher that only
// records, so the test drives the pipeline itself.
func approvedWithoutPipeline(t *testing.T, h *harness, sku string, qty int) (*models.Transaction, *testutil.RecordingDispatcher) {
	t.Helper()
	rec := &testutil.RecordingDispatcher{}
	h.payments.dispatcher = rec

	order := h.order(t, models.OrderKindRaceGroup, sku, qty)
	resp, err := h.payments.Charge(context.Background(), chargeRequest(order.ID))
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, resp.Status)

	tx, err := h.ledger.Get(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	return tx, rec
}

func TestPipelineRunsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, rec := approvedWithoutPipeline(t, h, "M-Male", 2)
	assert.Equal(t, []string{tx.ID}, rec.Dispatched())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.pipeline.Run(ctx, tx.ID))
	}

	assert.Equal(t, 1, h.store.FulfillmentCount())
	assert.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventFulfillmentCreated))
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventInventoryCommitted))
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventPipelineCompleted))

	item := h.item(t, "M-Male")
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 2, item.Assigned)
}

func TestPipelineRefusesUnapprovedTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	pre, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)

	err = h.pipeline.Run(ctx, pre.TransactionID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	err = h.pipeline.RunWithRetry(ctx, pre.TransactionID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	assert.Equal(t, 0, h.store.FulfillmentCount())
}

func TestPipelineCommitFailureIsPartialAndRecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := approvedWithoutPipeline(t, h, "M-Male", 3)

	// someone zeroed the counter behind the ledger's back
	item := h.item(t, "M-Male")
	item.Reserved = 0
	h.store.PutInventory(*item)

	err := h.pipeline.Run(ctx, tx.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindFulfillmentPartial, apperr.KindOf(err))

	rec, err := h.store.GetFulfillmentByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.FulfillmentPartiallyFailed, rec.FulfillmentStatus)
	assert.Len(t, h.notifier.Sent(), 1, "notification is not blocked by the commit failure")
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventInventoryFailed))

	stored, err := h.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)

	item.Reserved = 3
	h.store.PutInventory(*item)

	require.NoError(t, h.pipeline.Run(ctx, tx.ID))
	rec, err = h.store.GetFulfillmentByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FulfillmentCreated, rec.FulfillmentStatus)
	assert.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, 1, h.store.FulfillmentCount())
	assert.Equal(t, 3, h.item(t, "M-Male").Assigned)
}

func TestPipelineRefusesReleasedReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 2)

	pre, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)

	// the hold went away before the processor approved
	_, err = h.inventory.ReleaseForOrder(ctx, order.ID)
	require.NoError(t, err)

	body := webhookBody(t, pre.Control, "A", "00")
	res, err := h.recon.OnWebhook(ctx, body, sign(body))
	require.NoError(t, err)
	h.dispatcher.Wait()
	require.Equal(t, models.StatusApproved, res.Transaction.Status)

	assert.GreaterOrEqual(t, h.store.CountEvents(pre.TransactionID, models.PaymentEventInventoryFailed), 1)
	assert.Equal(t, 0, h.store.CountEvents(pre.TransactionID, models.PaymentEventInventoryCommitted))
	assert.Equal(t, 0, h.store.CountEvents(pre.TransactionID, models.PaymentEventPipelineCompleted))
	assert.Equal(t, 0, testutil.Count[*models.FulfillmentCompletedEvent](h.publisher))

	rec, err := h.store.GetFulfillmentByTransaction(ctx, pre.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.FulfillmentPartiallyFailed, rec.FulfillmentStatus)

	item := h.item(t, "M-Male")
	assert.Equal(t, 0, item.Assigned)
	assert.Equal(t, 0, item.Reserved)
}

func TestPipelineNotificationFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.Err = errors.New("smtp down")
	tx, _ := approvedWithoutPipeline(t, h, "M-Male", 1)

	require.NoError(t, h.pipeline.Run(ctx, tx.ID))
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventNotificationFailed))
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventPipelineCompleted))
}

func TestBuildFulfillmentLines(t *testing.T) {
	tests := []struct {
		kind       models.OrderKind
		wantKind   string
		wantPrefix string
	}{
		{models.OrderKindRaceGroup, "runner", "RUN-"},
		{models.OrderKindTickets, "ticket", "TIC-"},
		{models.OrderKindBox, "box", "BOX-"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			order := &models.Order{Kind: tt.kind, BuyerName: "Buyer"}
			items := []models.OrderItem{{SKU: "S", Quantity: 2, Details: []byte(`["Holder One"]`)}}

			lines, err := buildFulfillmentLines(order, items)
			require.NoError(t, err)
			require.Len(t, lines, 2)
			assert.Equal(t, tt.wantKind, lines[0].Kind)
			assert.Contains(t, lines[0].Code, tt.wantPrefix)
			assert.Equal(t, "Holder One", lines[0].Holder)
			assert.Equal(t, "Buyer", lines[1].Holder)
			assert.NotEqual(t, lines[0].Code, lines[1].Code)
		})
	}
}

func TestBuildFulfillmentLinesRejectsMalformedDetails(t *testing.T) {
	order := &models.Order{Kind: models.OrderKindTickets, BuyerName: "Buyer"}
	items := []models.OrderItem{{ID: 7, SKU: "GEN", Quantity: 1, Details: []byte(`{"holder":"Ana"}`)}}

	lines, err := buildFulfillmentLines(order, items)
	require.Error(t, err)
	assert.Nil(t, lines)
	assert.Contains(t, err.Error(), "GEN")

	items[0].Details = nil
	lines, err = buildFulfillmentLines(order, items)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Buyer", lines[0].Holder)
}
