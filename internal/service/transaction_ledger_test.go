package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
)

func newTransactionFor(order *models.Order) NewTransaction {
	return NewTransaction{
		OrderID:      order.ID,
		AmountUSD:    order.TotalUSD,
		ExchangeRate: decimal.RequireFromString("36.50"),
	}
}

func TestCreateRefusesSecondActiveTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindTickets, "GEN", 2)

	first, err := h.ledger.Create(ctx, newTransactionFor(order))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.Equal(t, "912.50", first.AmountBs.StringFixed(2))

	_, err = h.ledger.Create(ctx, newTransactionFor(order))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ActiveTransaction))
	assert.Equal(t, apperr.KindActiveTransaction, apperr.KindOf(err))

	active, err := h.ledger.ActiveForOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, 1, h.store.CountEvents(first.ID, models.PaymentEventCreated))
	assert.Equal(t, 0, h.store.CountEvents(first.ID, models.PaymentEventExpired))
}

func TestCreateSupersedesStaleTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindTickets, "GEN", 1)

	first, err := h.ledger.Create(ctx, newTransactionFor(order))
	require.NoError(t, err)

	h.ledger.now = func() time.Time { return time.Now().Add(expiryWindow + time.Minute) }

	second, err := h.ledger.Create(ctx, newTransactionFor(order))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := h.ledger.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, old.Status)

	active, err := h.ledger.ActiveForOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	var expired []models.PaymentEvent
	for _, e := range h.store.Events(first.ID) {
		if e.EventType == models.PaymentEventExpired {
			expired = append(expired, e)
		}
	}
	require.Len(t, expired, 1)
	var data map[string]string
	require.NoError(t, json.Unmarshal(expired[0].EventData, &data))
	assert.Equal(t, "superseded", data["reason"])
	assert.Equal(t, second.ID, data["superseded_by"])
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(t, models.OrderKindTickets, "GEN", 1)

	tests := []struct {
		name   string
		mutate func(in *NewTransaction)
	}{
		{"zero amount", func(in *NewTransaction) { in.AmountUSD = decimal.Zero }},
		{"negative amount", func(in *NewTransaction) { in.AmountUSD = decimal.NewFromInt(-5) }},
		{"zero rate", func(in *NewTransaction) { in.ExchangeRate = decimal.Zero }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newTransactionFor(order)
			tt.mutate(&in)
			_, err := h.ledger.Create(ctx, in)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	active, err := h.ledger.ActiveForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}
