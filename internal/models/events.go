package models

import "time"

// Event types
const (
	EventTypePaymentApproved      = "PAYMENT_APPROVED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypePaymentExpired       = "PAYMENT_EXPIRED"
	EventTypePaymentLateApproval  = "PAYMENT_LATE_APPROVAL"
	EventTypeFulfillmentCompleted = "FULFILLMENT_COMPLETED"
	EventTypeConfirmationRequest  = "CONFIRMATION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentApprovedEvent is both the domain event and the approval pipeline job
type PaymentApprovedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Control       string `json:"control"`
	AmountUSD     string `json:"amount_usd"`
	Source        string `json:"source"`
}

// PaymentFailedEvent published when a transaction ends failed
type PaymentFailedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Control       string `json:"control,omitempty"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// PaymentExpiredEvent published by the stale sweep
type PaymentExpiredEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
}

// PaymentLateApprovalEvent published when the processor approves a
// transaction already closed locally. The buyer was charged without an order.
type PaymentLateApprovalEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Control       string `json:"control"`
	LocalStatus   string `json:"local_status"`
	Code          string `json:"code"`
	AuthID        string `json:"auth_id,omitempty"`
	Source        string `json:"source"`
}

// FulfillmentCompletedEvent published once the approval pipeline finished every step
type FulfillmentCompletedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	FulfillmentID string `json:"fulfillment_id"`
	OrderID       string `json:"order_id"`
}

// ConfirmationRequestEvent is consumed by the email collaborator
type ConfirmationRequestEvent struct {
	BaseEvent
	FulfillmentID string            `json:"fulfillment_id"`
	Priority      string            `json:"priority"`
	Retries       int               `json:"retries"`
	Metadata      map[string]string `json:"metadata"`
}
