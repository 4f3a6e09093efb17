package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2c-service/internal/apperr"
	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/testutil"
	"p2c-service/internal/voucher"
)

func TestChargeApprovedRunsPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 3, "Luis", "Maria")

	resp, err := h.payments.Charge(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	h.dispatcher.Wait()

	assert.Equal(t, models.StatusApproved, resp.Status)
	assert.Equal(t, "75.00", resp.AmountUSD)
	assert.Equal(t, "2737.50", resp.AmountBs)
	assert.NotEmpty(t, resp.Control)
	assert.NotEmpty(t, resp.Voucher)

	item := h.item(t, "M-Male")
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 3, item.Assigned)
	assert.Equal(t, 7, item.Available())

	assert.Equal(t, 1, h.store.FulfillmentCount())
	rec, err := h.store.GetFulfillmentByTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.FulfillmentCreated, rec.FulfillmentStatus)

	var lines []models.FulfillmentLine
	require.NoError(t, json.Unmarshal(rec.LineItems, &lines))
	require.Len(t, lines, 3)
	assert.Equal(t, "Luis", lines[0].Holder)
	assert.Equal(t, "Maria", lines[1].Holder)
	assert.Equal(t, "Ana Perez", lines[2].Holder)
	assert.Equal(t, "runner", lines[0].Kind)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, rec.ID, sent[0].FulfillmentID)
	assert.Equal(t, "high", sent[0].Options.Priority)
	assert.Equal(t, 3, sent[0].Options.Retries)

	assert.Equal(t, 1, h.store.CountEvents(resp.TransactionID, models.PaymentEventPipelineCompleted))
	assert.Equal(t, 1, testutil.Count[*models.FulfillmentCompletedEvent](h.publisher))
}

func TestChargeVoucherErrorOverridesSuccessFlag(t *testing.T) {
	h := newHarness(t)
	h.transport.ChargeFunc = func(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		res := testutil.Approved(req)
		res.Voucher = voucher.FromLines([]string{"BANCO", "ERROR_DE_", "TRANSACCION", "REF " + req.Reference})
		return res, nil
	}
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 2)

	resp, err := h.payments.Charge(context.Background(), chargeRequest(order.ID))
	require.Error(t, err)
	h.dispatcher.Wait()

	assert.Equal(t, apperr.KindVoucherEmbeddedError, apperr.KindOf(err))
	var perr *apperr.Error
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Voucher, "TRANSACCION")

	require.NotNil(t, resp)
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Contains(t, resp.Voucher, "ERROR_DE_")

	item := h.item(t, "M-Male")
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 0, item.Assigned)
	assert.Equal(t, 0, h.store.FulfillmentCount())
	assert.Equal(t, 1, testutil.Count[*models.PaymentFailedEvent](h.publisher))
}

func TestChargeRejectionCarriesVoucher(t *testing.T) {
	h := newHarness(t)
	h.transport.ChargeFunc = func(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{
			Success:     false,
			Code:        "51",
			Description: "FONDOS INSUFICIENTES",
			Voucher:     voucher.FromText("RECHAZADA\nFONDOS INSUFICIENTES"),
		}, nil
	}
	order := h.order(t, models.OrderKindTickets, "GEN", 4)

	resp, err := h.payments.Charge(context.Background(), chargeRequest(order.ID))
	require.Error(t, err)

	assert.Equal(t, apperr.KindGatewayRejection, apperr.KindOf(err))
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, "51", resp.Code)
	assert.Contains(t, resp.Voucher, "FONDOS INSUFICIENTES")
	assert.Equal(t, 0, h.item(t, "GEN").Reserved)
}

// M-Male: timeout fails and releases, the retry is approved and commits.
func TestMaleTimeoutThenRetryScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls int32
	h.transport.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return testutil.Approved(req), nil
	}

	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 3)
	item := h.item(t, "M-Male")
	assert.Equal(t, 3, item.Reserved)
	assert.Equal(t, 7, item.Available())

	resp, err := h.payments.Charge(ctx, chargeRequest(order.ID))
	require.Error(t, err)
	assert.Equal(t, apperr.KindGatewayCommunication, apperr.KindOf(err))
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, gateway.CodeTimeout, resp.Code)

	item = h.item(t, "M-Male")
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 10, item.Available())

	resp, err = h.payments.Charge(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	h.dispatcher.Wait()
	assert.Equal(t, models.StatusApproved, resp.Status)

	item = h.item(t, "M-Male")
	assert.Equal(t, 0, item.Reserved)
	assert.Equal(t, 3, item.Assigned)
	assert.Equal(t, 7, item.Available())
	assert.Equal(t, 2, h.transport.Charges())
}

func TestChargeIsNotRepeatedForPaidOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	resp, err := h.payments.Charge(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	h.dispatcher.Wait()

	_, err = h.payments.Charge(ctx, chargeRequest(order.ID))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	assert.Equal(t, 1, h.transport.Charges())

	tx, err := h.ledger.Get(ctx, resp.TransactionID)
	require.NoError(t, err)
	started, err := h.ledger.BeginCharge(ctx, tx)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, models.StatusApproved, tx.Status)
}

func TestBeginChargeOnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	pre, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	tx, err := h.ledger.Get(ctx, pre.TransactionID)
	require.NoError(t, err)

	first, err := h.ledger.BeginCharge(ctx, tx)
	require.NoError(t, err)
	assert.True(t, first)

	again := *tx
	second, err := h.ledger.BeginCharge(ctx, &again)
	require.NoError(t, err)
	assert.False(t, second)
	assert.Equal(t, models.StatusProcessing, again.Status)
}

func TestPreRegisterIsReusedByCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 2)

	pre, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, pre.Status)
	require.NotEmpty(t, pre.Control)

	again, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	assert.Equal(t, pre.TransactionID, again.TransactionID)

	resp, err := h.payments.Charge(ctx, chargeRequest(order.ID))
	require.NoError(t, err)
	h.dispatcher.Wait()
	assert.Equal(t, pre.TransactionID, resp.TransactionID)
	assert.Equal(t, pre.Control, resp.Control)
	assert.Equal(t, 2, h.item(t, "M-Male").Assigned)
}

func TestPreRegisterCustomerMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	_, err := h.payments.PreRegister(ctx, chargeRequest(order.ID))
	require.NoError(t, err)

	req := chargeRequest(order.ID)
	req.ClientPhone = "04241234567"
	_, err = h.payments.Charge(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, 0, h.transport.Charges())
}

func TestPreRegisterFailureClosesTransaction(t *testing.T) {
	h := newHarness(t)
	h.transport.PreRegErr = errors.New("connection refused")
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	resp, err := h.payments.Charge(context.Background(), chargeRequest(order.ID))
	require.Error(t, err)
	assert.Equal(t, apperr.KindGatewayCommunication, apperr.KindOf(err))
	require.NotNil(t, resp)

	tx, err := h.ledger.Get(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.Equal(t, 0, h.item(t, "M-Male").Reserved)
	assert.Equal(t, 0, h.transport.Charges())
}

func TestChargeValidatesCustomerBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	tests := []struct {
		name   string
		mutate func(*ChargeRequest)
	}{
		{"bad phone", func(r *ChargeRequest) { r.ClientPhone = "12345" }},
		{"bad identification", func(r *ChargeRequest) { r.ClientIdentification = "X1" }},
		{"unknown bank", func(r *ChargeRequest) { r.ClientBankCode = "0999" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chargeRequest(order.ID)
			tt.mutate(req)
			_, err := h.payments.Charge(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Equal(t, 0, h.transport.Charges())
}

func TestSettleNeverChangesTerminalStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.ChargeFunc = func(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		return &gateway.ChargeResult{Success: false, Code: "05", Description: "RECHAZADA"}, nil
	}
	order := h.order(t, models.OrderKindRaceGroup, "M-Male", 1)

	resp, err := h.payments.Charge(ctx, chargeRequest(order.ID))
	require.Error(t, err)

	tx, err := h.ledger.Get(ctx, resp.TransactionID)
	require.NoError(t, err)

	approve := Outcome{Approved: true, Code: gateway.CodeApproved, Source: SourceWebhook}
	res, err := h.payments.Settle(ctx, tx, approve)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, res.LateApproval)
	assert.Equal(t, models.StatusFailed, res.Transaction.Status)

	reject := Outcome{Code: "05", Source: SourcePoll}
	res, err = h.payments.Settle(ctx, tx, reject)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.LateApproval)

	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventLateApproval))
	assert.Equal(t, 1, h.store.CountEvents(tx.ID, models.PaymentEventFailed))
	assert.Equal(t, 0, h.store.FulfillmentCount())
}

func TestIsApproved(t *testing.T) {
	tests := []struct {
		name string
		res  gateway.ChargeResult
		want bool
	}{
		{"clean approval", gateway.ChargeResult{Success: true, Code: "00"}, true},
		{"success with other code", gateway.ChargeResult{Success: true, Code: "05"}, false},
		{"code 00 without success", gateway.ChargeResult{Success: false, Code: "00"}, false},
		{"voucher error", gateway.ChargeResult{Success: true, Code: "00",
			Voucher: voucher.FromText("Error de Transacción")}, false},
		{"duplicate is not an error", gateway.ChargeResult{Success: true, Code: "00",
			Voucher: voucher.FromText("DUPLICADO")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := OutcomeFromCharge(&tt.res)
			assert.Equal(t, tt.want, o.Approved)
			assert.Equal(t, tt.want, o.Err() == nil)
		})
	}
}
