package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
)

type pipelineFunc func(ctx context.Context, txID string) error

func (f pipelineFunc) RunWithRetry(ctx context.Context, txID string) error { return f(ctx, txID) }

func TestHandlePaymentApproved(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success", nil, false},
		{"not approved is acknowledged", apperr.New(apperr.KindInvalidState, "NOT_APPROVED", "not approved"), false},
		{"missing transaction is acknowledged", apperr.NotFound, false},
		{"transient failure is retried", errors.New("connection refused"), true},
		{"partial fulfillment is retried", apperr.New(apperr.KindFulfillmentPartial, "", "commit failed"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			w := NewApprovalWorker(nil, pipelineFunc(func(_ context.Context, txID string) error {
				got = txID
				return tt.err
			}))

			err := w.HandlePaymentApproved(context.Background(), &models.PaymentApprovedEvent{TransactionID: "tx-1"})
			assert.Equal(t, "tx-1", got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
