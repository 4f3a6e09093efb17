package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Transaction represents one attempted P2C charge
type Transaction struct {
	ID                   string          `db:"id" json:"id"`
	Control              *string         `db:"control" json:"control,omitempty"`
	Invoice              string          `db:"invoice" json:"invoice"`
	Reference            string          `db:"reference" json:"reference"`
	OrderRef             *string         `db:"order_ref" json:"order_ref,omitempty"`
	AmountUSD            decimal.Decimal `db:"amount_usd" json:"amount_usd"`
	AmountBs             decimal.Decimal `db:"amount_bs" json:"amount_bs"`
	ExchangeRateUsed     decimal.Decimal `db:"exchange_rate_used" json:"exchange_rate_used"`
	ClientPhone          string          `db:"client_phone" json:"client_phone"`
	ClientBankCode       string          `db:"client_bank_code" json:"client_bank_code"`
	ClientIdentification string          `db:"client_identification" json:"client_identification"`
	Status               Status          `db:"status" json:"status"`
	GatewayCode          string          `db:"gateway_code" json:"gateway_code,omitempty"`
	GatewayDescription   string          `db:"gateway_description" json:"gateway_description,omitempty"`
	VoucherText          string          `db:"voucher_text" json:"voucher_text,omitempty"`
	AuthID               string          `db:"auth_id" json:"auth_id,omitempty"`
	Terminal             string          `db:"terminal" json:"terminal,omitempty"`
	Lot                  string          `db:"lot" json:"lot,omitempty"`
	SeqNum               string          `db:"seqnum" json:"seqnum,omitempty"`
	IsPreRegistration    bool            `db:"is_pre_registration" json:"is_pre_registration"`
	Duplicate            bool            `db:"duplicate" json:"duplicate"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
	ProcessedAt          *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// ControlNumber returns the gateway control or "" when not assigned yet.
func (t *Transaction) ControlNumber() string {
	if t.Control == nil {
		return ""
	}
	return *t.Control
}

// OrderID returns the order reference or "".
func (t *Transaction) OrderID() string {
	if t.OrderRef == nil {
		return ""
	}
	return *t.OrderRef
}

// InventoryItem is one ledger row per SKU. It doubles as the catalog entry.
type InventoryItem struct {
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Kind      OrderKind       `db:"kind" json:"kind"`
	PriceUSD  decimal.Decimal `db:"price_usd" json:"price_usd"`
	Stock     int             `db:"stock" json:"stock"`
	Reserved  int             `db:"reserved" json:"reserved"`
	Assigned  int             `db:"assigned" json:"assigned"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Available is stock - reserved - assigned.
func (i *InventoryItem) Available() int {
	return i.Stock - i.Reserved - i.Assigned
}

// OrderKind tells the approval pipeline which domain objects to create
type OrderKind string

const (
	OrderKindRaceGroup OrderKind = "race_group"
	OrderKindTickets   OrderKind = "tickets"
	OrderKindBox       OrderKind = "box"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindRaceGroup, OrderKindTickets, OrderKindBox:
		return true
	}
	return false
}

// Order is the order intent created before payment
type Order struct {
	ID                  string          `db:"id" json:"id"`
	Kind                OrderKind       `db:"kind" json:"kind"`
	BuyerName           string          `db:"buyer_name" json:"buyer_name"`
	BuyerEmail          string          `db:"buyer_email" json:"buyer_email"`
	BuyerPhone          string          `db:"buyer_phone" json:"buyer_phone"`
	BuyerIdentification string          `db:"buyer_identification" json:"buyer_identification"`
	TotalUSD            decimal.Decimal `db:"total_usd" json:"total_usd"`
	IdempotencyKey      string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// OrderItem is a line of an order intent. Details carries per-unit data
// such as runner names or seat labels.
type OrderItem struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      string          `db:"order_id" json:"order_id"`
	SKU          string          `db:"sku" json:"sku"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPriceUSD decimal.Decimal `db:"unit_price_usd" json:"unit_price_usd"`
	Details      types.JSONText  `db:"details" json:"details,omitempty"`
}

// Reservation statuses
const (
	ReservationReserved  = "RESERVED"
	ReservationReleased  = "RELEASED"
	ReservationCommitted = "COMMITTED"
)

// OrderReservation tracks which order holds which part of a SKU's reserved counter
type OrderReservation struct {
	OrderID   string    `db:"order_id" json:"order_id"`
	SKU       string    `db:"sku" json:"sku"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Fulfillment statuses
const (
	FulfillmentCreated         = "created"
	FulfillmentPartiallyFailed = "partially-failed"
)

// FulfillmentRecord is the group of runners, tickets or box assignment
// produced after a transaction is approved.
type FulfillmentRecord struct {
	ID                   string         `db:"id" json:"id"`
	PaymentTransactionID string         `db:"payment_transaction_id" json:"payment_transaction_id"`
	OrderID              string         `db:"order_id" json:"order_id"`
	Kind                 OrderKind      `db:"kind" json:"kind"`
	BuyerName            string         `db:"buyer_name" json:"buyer_name"`
	BuyerEmail           string         `db:"buyer_email" json:"buyer_email"`
	BuyerIdentification  string         `db:"buyer_identification" json:"buyer_identification"`
	LineItems            types.JSONText `db:"line_items" json:"line_items"`
	FulfillmentStatus    string         `db:"fulfillment_status" json:"fulfillment_status"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// FulfillmentLine is one domain object inside a fulfillment record
type FulfillmentLine struct {
	SKU    string `json:"sku"`
	Kind   string `json:"kind"` // runner | ticket | box
	Code   string `json:"code"`
	Holder string `json:"holder,omitempty"`
}

// PaymentEvent is an append-only audit entry
type PaymentEvent struct {
	ID            int64          `db:"id" json:"id"`
	TransactionID string         `db:"transaction_id" json:"transaction_id"`
	FulfillmentID *string        `db:"fulfillment_id" json:"fulfillment_id,omitempty"`
	EventType     string         `db:"event_type" json:"event_type"`
	EventData     types.JSONText `db:"event_data" json:"event_data,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Payment event types
const (
	PaymentEventCreated              = "transaction_created"
	PaymentEventExpired              = "transaction_expired"
	PaymentEventControlAssigned      = "control_assigned"
	PaymentEventChargeStarted        = "charge_started"
	PaymentEventApproved             = "payment_approved"
	PaymentEventFailed               = "payment_failed"
	PaymentEventWebhookReceived      = "webhook_received"
	PaymentEventLateApproval         = "late_approval_detected"
	PaymentEventInventoryReleased    = "inventory_released"
	PaymentEventReleaseFailed        = "inventory_release_failed"
	PaymentEventFulfillmentCreated   = "fulfillment_created"
	PaymentEventInventoryCommitted   = "inventory_committed"
	PaymentEventInventoryFailed      = "inventory_update_failed"
	PaymentEventNotificationEnqueued = "notification_enqueued"
	PaymentEventNotificationFailed   = "notification_failed"
	PaymentEventPipelineCompleted    = "pipeline_completed"
	PaymentEventReleaseSkipped       = "inventory_release_skipped"
)

// Finalization is the terminal write applied to a Transaction. Gateway
// fields are stored verbatim whatever the outcome.
type Finalization struct {
	Status      Status
	GatewayCode string
	Description string
	VoucherText string
	AuthID      string
	Terminal    string
	Lot         string
	SeqNum      string
	Duplicate   bool
	ProcessedAt time.Time
}

// ReservationLine is a (sku, quantity) pair reserved for an order
type ReservationLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// NotifyOptions are passed to the notification collaborator
type NotifyOptions struct {
	Priority string
	Retries  int
}
