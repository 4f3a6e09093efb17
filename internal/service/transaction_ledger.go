package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// TransactionLedger owns the Transaction state machine. It is the only
// writer of Transaction status.
type TransactionLedger struct {
	store  TransactionStore
	events EventStore
	expiry time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewTransactionLedger creates a ledger. expiry is the stale-pending window.
func NewTransactionLedger(store TransactionStore, events EventStore, expiry time.Duration) *TransactionLedger {
	return &TransactionLedger{
		store:  store,
		events: events,
		expiry: expiry,
		now:    time.Now,
		logger: util.GetLogger().Named("ledger"),
	}
}

// NewTransaction is the input of Create
type NewTransaction struct {
	OrderID         string
	AmountUSD       decimal.Decimal
	ExchangeRate    decimal.Decimal
	Customer        gateway.Customer
	Invoice         string
	Reference       string
	PreRegistration bool
}

// Create inserts a pending Transaction. A younger active attempt for the
// same order is refused; an older one is expired first.
func (l *TransactionLedger) Create(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.Create", "order_id", in.OrderID)
	defer span.End()

	if !in.AmountUSD.IsPositive() {
		return nil, apperr.Validation("INVALID_AMOUNT", "amount must be positive, got %s", in.AmountUSD)
	}
	if !in.ExchangeRate.IsPositive() {
		return nil, apperr.Validation("INVALID_RATE", "exchange rate must be positive, got %s", in.ExchangeRate)
	}

	if in.Invoice == "" {
		in.Invoice = "INV-" + uuid.NewString()
	}
	if in.Reference == "" {
		in.Reference = gateway.NewReference()
	}
	if err := gateway.ValidateReference(in.Reference); err != nil {
		return nil, err
	}

	t := &models.Transaction{
		ID:                   uuid.NewString(),
		Invoice:              in.Invoice,
		Reference:            in.Reference,
		AmountUSD:            in.AmountUSD.Round(2),
		AmountBs:             in.AmountUSD.Mul(in.ExchangeRate).Round(2),
		ExchangeRateUsed:     in.ExchangeRate,
		ClientPhone:          in.Customer.Phone,
		ClientBankCode:       in.Customer.BankCode,
		ClientIdentification: in.Customer.Identification,
		Status:               models.StatusPending,
		IsPreRegistration:    in.PreRegistration,
	}
	if in.OrderID != "" {
		orderID := in.OrderID
		t.OrderRef = &orderID
	}

	superseded, err := l.store.CreatePendingTransaction(ctx, t, l.now().Add(-l.expiry))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	for i := range superseded {
		l.record(ctx, superseded[i].ID, models.PaymentEventExpired, map[string]any{
			"reason":        "superseded",
			"superseded_by": t.ID,
		})
	}
	l.record(ctx, t.ID, models.PaymentEventCreated, map[string]any{
		"order_id":         in.OrderID,
		"amount_usd":       t.AmountUSD.StringFixed(2),
		"amount_bs":        t.AmountBs.StringFixed(2),
		"exchange_rate":    t.ExchangeRateUsed.String(),
		"pre_registration": t.IsPreRegistration,
	})

	util.TransactionsCreatedTotal.Inc()
	l.logger.Info("Transaction created",
		zap.String("tx_id", t.ID),
		zap.String("order_id", in.OrderID),
		zap.String("amount_bs", t.AmountBs.StringFixed(2)),
		zap.Int("superseded", len(superseded)))
	return t, nil
}

// AssignControl binds the gateway control to tx. A control never changes once set.
func (l *TransactionLedger) AssignControl(ctx context.Context, tx *models.Transaction, control string) error {
	if control == "" {
		return apperr.Validation("INVALID_CONTROL", "control is required")
	}
	if err := l.store.AssignControl(ctx, tx.ID, control); err != nil {
		return err
	}
	if tx.Control == nil {
		l.record(ctx, tx.ID, models.PaymentEventControlAssigned, map[string]any{"control": control})
	}
	tx.Control = &control
	return nil
}

// BeginCharge moves pending -> processing. started is false when tx was not
// pending anymore, in which case the caller must not charge.
func (l *TransactionLedger) BeginCharge(ctx context.Context, tx *models.Transaction) (bool, error) {
	ok, err := l.store.TransitionStatus(ctx, tx.ID,
		[]models.Status{models.StatusPending}, models.StatusProcessing)
	if err != nil {
		return false, err
	}

	if !ok {
		current, err := l.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return false, err
		}
		*tx = *current
		l.logger.Info("Charge not started: transaction is not pending",
			zap.String("tx_id", tx.ID),
			zap.String("status", string(tx.Status)))
		return false, nil
	}

	tx.Status = models.StatusProcessing
	l.record(ctx, tx.ID, models.PaymentEventChargeStarted, map[string]any{"control": tx.ControlNumber()})
	return true, nil
}

// Finalize writes the terminal state computed from o. changed is false when
// tx was already terminal; the stored row is then left untouched. The
// returned transaction is the stored state after the call.
func (l *TransactionLedger) Finalize(ctx context.Context, tx *models.Transaction, o Outcome) (bool, *models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.Finalize", "tx_id", tx.ID, "source", o.Source)
	defer span.End()

	changed, err := l.store.FinalizeTransaction(ctx, tx.ID, o.finalization(l.now()))
	if err != nil {
		return false, nil, err
	}

	current, err := l.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return changed, nil, err
	}

	if changed {
		l.logger.Info("Transaction finalized",
			zap.String("tx_id", tx.ID),
			zap.String("control", current.ControlNumber()),
			zap.String("status", string(current.Status)),
			zap.String("code", o.Code),
			zap.String("source", o.Source))
	}
	return changed, current, nil
}

// ExpireStale expires every pending/processing transaction older than the window.
func (l *TransactionLedger) ExpireStale(ctx context.Context) ([]models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.ExpireStale")
	defer span.End()

	expired, err := l.store.ExpireStaleTransactions(ctx, l.now().Add(-l.expiry))
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale transactions: %w", err)
	}

	for i := range expired {
		l.record(ctx, expired[i].ID, models.PaymentEventExpired, map[string]any{
			"reason":     "stale",
			"created_at": expired[i].CreatedAt,
		})
	}
	if len(expired) > 0 {
		util.SweepExpiredTotal.Add(float64(len(expired)))
		l.logger.Info("Expired stale transactions", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// ActiveForOrder returns the order's pending/processing transaction, or nil.
func (l *TransactionLedger) ActiveForOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	return l.store.GetActiveTransactionForOrder(ctx, orderID)
}

// ApprovedForOrder returns the order's approved transaction, or nil.
func (l *TransactionLedger) ApprovedForOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	return l.store.GetApprovedTransactionForOrder(ctx, orderID)
}

// IsStale reports whether an active transaction is past the expiry window.
func (l *TransactionLedger) IsStale(tx *models.Transaction) bool {
	return tx.CreatedAt.Before(l.now().Add(-l.expiry))
}

// Get retrieves a transaction by id
func (l *TransactionLedger) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// GetByControl retrieves a transaction by gateway control
func (l *TransactionLedger) GetByControl(ctx context.Context, control string) (*models.Transaction, error) {
	return l.store.GetTransactionByControl(ctx, control)
}

// ListProcessing returns processing transactions older than olderThan.
func (l *TransactionLedger) ListProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]models.Transaction, error) {
	return l.store.ListTransactionsByStatus(ctx, models.StatusProcessing, l.now().Add(-olderThan), limit)
}

// ListUnfinishedApprovals returns approved transactions whose pipeline has
// not recorded completion and that were approved before settledBefore.
func (l *TransactionLedger) ListUnfinishedApprovals(ctx context.Context, settledBefore time.Duration, limit int) ([]models.Transaction, error) {
	rows, err := l.store.ListApprovedWithoutEvent(ctx, models.PaymentEventPipelineCompleted, limit)
	if err != nil {
		return nil, err
	}
	cutoff := l.now().Add(-settledBefore)
	out := rows[:0]
	for _, t := range rows {
		if t.ProcessedAt == nil || t.ProcessedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// record appends an audit event. Audit failures are logged, not returned.
func (l *TransactionLedger) record(ctx context.Context, txID, eventType string, data any) {
	if err := appendEvent(ctx, l.events, txID, nil, eventType, data); err != nil {
		l.logger.Error("Failed to record payment event",
			zap.String("tx_id", txID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func appendEvent(ctx context.Context, events EventStore, txID string, fulfillmentID *string, eventType string, data any) error {
	return events.AppendEvent(ctx, &models.PaymentEvent{
		TransactionID: txID,
		FulfillmentID: fulfillmentID,
		EventType:     eventType,
		EventData:     marshalEventData(data),
	})
}
