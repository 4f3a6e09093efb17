// Package apperr classifies payment errors so callers branch on kinds
// instead of matching message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error class.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindInventoryUnderflow    Kind = "inventory_underflow"
	KindGatewayCommunication  Kind = "gateway_communication"
	KindGatewayRejection      Kind = "gateway_rejection"
	KindVoucherEmbeddedError  Kind = "voucher_embedded_error"
	KindFulfillmentPartial    Kind = "fulfillment_partial_failure"
	KindActiveTransaction     Kind = "active_transaction"
	KindNotFound              Kind = "not_found"
	KindInvalidSignature      Kind = "invalid_signature"
	KindInvalidState          Kind = "invalid_state"
	KindTimeout               Kind = "timeout"
	KindCanceled              Kind = "canceled"
	KindInternal              Kind = "internal"
)

// Error is the common payment error. Voucher is kept for
// gateway failures so support can trace the bank response.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Voucher string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind satisfies the kinder interface.
func (e *Error) ErrorKind() Kind { return e.Kind }

// Is matches another *Error by kind, so errors.Is(err, apperr.NotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels usable with errors.Is.
var (
	NotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ActiveTransaction = &Error{Kind: KindActiveTransaction, Message: "order has an active transaction"}
	InvalidSignature  = &Error{Kind: KindInvalidSignature, Message: "invalid webhook signature"}
)

// Validation builds a validation error for a single field.
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// New builds an error of kind k.
func New(k Kind, code, message string) *Error {
	return &Error{Kind: k, Code: code, Message: message}
}

// Wrap attaches kind k to err.
func Wrap(k Kind, code string, err error) *Error {
	return &Error{Kind: k, Code: code, Message: string(k), Err: err}
}

// InsufficientInventoryError is returned when a reservation exceeds capacity.
type InsufficientInventoryError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %s: requested=%d available=%d", e.SKU, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) ErrorKind() Kind { return KindInsufficientInventory }

// UnderflowError is returned when an operation would drive a counter negative.
type UnderflowError struct {
	SKU      string
	Op       string
	Quantity int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("inventory %s of %d on %s would make a counter negative", e.Op, e.Quantity, e.SKU)
}

func (e *UnderflowError) ErrorKind() Kind { return KindInventoryUnderflow }

type kinder interface {
	ErrorKind() Kind
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

var kindToStatus = map[Kind]int{
	KindValidation:            http.StatusBadRequest,
	KindInsufficientInventory: http.StatusConflict,
	KindInventoryUnderflow:    http.StatusConflict,
	KindGatewayCommunication:  http.StatusBadGateway,
	KindGatewayRejection:      http.StatusPaymentRequired,
	KindVoucherEmbeddedError:  http.StatusPaymentRequired,
	KindActiveTransaction:     http.StatusConflict,
	KindNotFound:              http.StatusNotFound,
	KindInvalidSignature:      http.StatusUnauthorized,
	KindInvalidState:          http.StatusConflict,
	KindTimeout:               http.StatusGatewayTimeout,
	KindCanceled:              http.StatusRequestTimeout,
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
