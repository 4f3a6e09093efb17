package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("reserve: %w", &InsufficientInventoryError{SKU: "BoxA", Requested: 1})

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: Validation("INVALID_PHONE", "bad phone"), want: KindValidation},
		{name: "inventory_wrapped", err: wrapped, want: KindInsufficientInventory},
		{name: "underflow", err: &UnderflowError{SKU: "M", Op: "release", Quantity: 2}, want: KindInventoryUnderflow},
		{name: "gateway", err: Wrap(KindGatewayCommunication, "TIMEOUT", context.DeadlineExceeded), want: KindGatewayCommunication},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "canceled", err: context.Canceled, want: KindCanceled},
		{name: "unknown", err: errors.New("boom"), want: KindInternal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "validation", err: Validation("X", "x"), want: http.StatusBadRequest},
		{name: "inventory", err: &InsufficientInventoryError{}, want: http.StatusConflict},
		{name: "rejection", err: New(KindGatewayRejection, "51", "declined"), want: http.StatusPaymentRequired},
		{name: "not_found_wrapped", err: fmt.Errorf("lookup: %w", NotFound), want: http.StatusNotFound},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("get: %w", &Error{Kind: KindNotFound, Message: "transaction abc"})
	if !errors.Is(err, NotFound) {
		t.Fatalf("expected errors.Is to match NotFound")
	}
	if errors.Is(err, ActiveTransaction) {
		t.Fatalf("did not expect ActiveTransaction to match")
	}
}
