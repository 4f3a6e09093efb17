package service

import (
	"context"
	"time"

	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
)

// TransactionStore persists Transactions. Every status write is a
// conditional update on the current status.
type TransactionStore interface {
	CreatePendingTransaction(ctx context.Context, t *models.Transaction, staleBefore time.Time) ([]models.Transaction, error)
	AssignControl(ctx context.Context, id, control string) error
	TransitionStatus(ctx context.Context, id string, from []models.Status, to models.Status) (bool, error)
	FinalizeTransaction(ctx context.Context, id string, f models.Finalization) (bool, error)
	ExpireStaleTransactions(ctx context.Context, before time.Time) ([]models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByControl(ctx context.Context, control string) (*models.Transaction, error)
	GetActiveTransactionForOrder(ctx context.Context, orderID string) (*models.Transaction, error)
	GetApprovedTransactionForOrder(ctx context.Context, orderID string) (*models.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Transaction, error)
	ListApprovedWithoutEvent(ctx context.Context, eventType string, limit int) ([]models.Transaction, error)
}

// InventoryStore persists the per-SKU counters and per-order reservations.
type InventoryStore interface {
	GetInventoryItem(ctx context.Context, sku string) (*models.InventoryItem, error)
	ListInventoryItems(ctx context.Context) ([]models.InventoryItem, error)
	ReserveStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error)
	ReleaseStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error)
	CommitStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error)
	GetReservations(ctx context.Context, orderID string) ([]models.OrderReservation, error)
	ReserveForOrder(ctx context.Context, orderID string, lines []models.ReservationLine) ([]models.OrderReservation, error)
	ReleaseForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error)
	CommitForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error)
	RecalculateReserved(ctx context.Context, sku string, staleBefore time.Time) (*models.InventoryItem, int, error)
}

// OrderStore persists order intents.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
}

// FulfillmentStore persists fulfillment records, one per transaction.
type FulfillmentStore interface {
	CreateFulfillmentIfAbsent(ctx context.Context, rec *models.FulfillmentRecord) (bool, error)
	GetFulfillmentByTransaction(ctx context.Context, txID string) (*models.FulfillmentRecord, error)
	UpdateFulfillmentStatus(ctx context.Context, id, status string) error
}

// EventStore is the append-only audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.PaymentEvent) error
	ListEvents(ctx context.Context, txID string) ([]models.PaymentEvent, error)
	HasEvent(ctx context.Context, txID, eventType string) (bool, error)
}

// Store is everything the services persist.
type Store interface {
	TransactionStore
	InventoryStore
	OrderStore
	FulfillmentStore
	EventStore
}

// InventoryMirror is the Redis copy of the inventory counters.
type InventoryMirror interface {
	SyncInventory(ctx context.Context, item *models.InventoryItem) error
	Available(ctx context.Context, sku string) (int, bool, error)
	ReserveStock(ctx context.Context, sku string, qty int) (bool, error)
	ReleaseStock(ctx context.Context, sku string, qty int) (bool, error)
	CommitStock(ctx context.Context, sku string, qty int) (bool, error)
}

// KeyGuard provides short-lived locks and one-shot markers.
type KeyGuard interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearProcessed(ctx context.Context, key string) error
}

// Gateway is the processor facade.
type Gateway interface {
	NormalizeCustomer(phone, identification, bankCode string) (gateway.Customer, error)
	PreRegister(ctx context.Context) (*gateway.PreRegisterResult, error)
	ChargeP2C(ctx context.Context, in gateway.ChargeInput) (*gateway.ChargeResult, error)
	QueryStatus(ctx context.Context, control string) (*gateway.StatusResult, error)
}

// EventPublisher emits domain events.
type EventPublisher interface {
	PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error
	PublishPaymentExpired(ctx context.Context, e *models.PaymentExpiredEvent) error
	PublishPaymentLateApproval(ctx context.Context, e *models.PaymentLateApprovalEvent) error
	PublishFulfillmentCompleted(ctx context.Context, e *models.FulfillmentCompletedEvent) error
}

// ApprovalDispatcher hands an approved transaction to the approval
// pipeline without waiting for it.
type ApprovalDispatcher interface {
	DispatchApproval(ctx context.Context, tx *models.Transaction, source string) error
}

// Notifier is the confirmation email collaborator.
type Notifier interface {
	EnqueueConfirmation(ctx context.Context, fulfillmentID string, metadata map[string]string, opts models.NotifyOptions) error
}
