package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// PipelineConfig bounds the approval pipeline retries.
type PipelineConfig struct {
	MaxAttempts         int
	Backoff             time.Duration
	NotificationRetries int
}

// ApprovalPipeline runs the post-approval side effects. Every step leaves
// a PaymentEvent checkpoint so a rerun skips what is already done.
type ApprovalPipeline struct {
	store     Store
	inventory *InventoryLedger
	notifier  Notifier
	publisher EventPublisher
	cfg       PipelineConfig
	logger    *zap.Logger
}

// NewApprovalPipeline creates the pipeline
func NewApprovalPipeline(store Store, inventory *InventoryLedger, notifier Notifier, publisher EventPublisher, cfg PipelineConfig) *ApprovalPipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.NotificationRetries <= 0 {
		cfg.NotificationRetries = 3
	}
	return &ApprovalPipeline{
		store:     store,
		inventory: inventory,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger().Named("pipeline"),
	}
}

// Run executes the pipeline once for an approved transaction. A
// FulfillmentPartialFailure error means the fulfillment exists but a later
// step must be retried.
func (p *ApprovalPipeline) Run(ctx context.Context, txID string) error {
	ctx, span := util.StartSpan(ctx, "ApprovalPipeline.Run", "tx_id", txID)
	defer span.End()

	tx, err := p.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusApproved {
		return apperr.New(apperr.KindInvalidState, "NOT_APPROVED",
			fmt.Sprintf("transaction %s is %s", txID, tx.Status))
	}

	done, err := p.store.HasEvent(ctx, txID, models.PaymentEventPipelineCompleted)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if tx.OrderRef == nil {
		p.logger.Warn("Approved transaction has no order; nothing to fulfill", zap.String("tx_id", txID))
		return appendEvent(ctx, p.store, txID, nil, models.PaymentEventPipelineCompleted,
			map[string]any{"note": "no order"})
	}

	order, err := p.store.GetOrder(ctx, *tx.OrderRef)
	if err != nil {
		return err
	}
	items, err := p.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}

	rec, err := p.ensureFulfillment(ctx, tx, order, items)
	if err != nil {
		util.PipelineStepFailuresTotal.WithLabelValues("fulfillment").Inc()
		return fmt.Errorf("fulfillment step: %w", err)
	}

	commitErr := p.commitInventory(ctx, tx, order, items, rec)
	p.enqueueNotification(ctx, tx, order, rec)

	if commitErr != nil {
		util.PipelineRunsTotal.WithLabelValues("partial").Inc()
		return commitErr
	}

	if err := appendEvent(ctx, p.store, txID, &rec.ID, models.PaymentEventPipelineCompleted, nil); err != nil {
		return err
	}
	util.PipelineRunsTotal.WithLabelValues("completed").Inc()

	event := &models.FulfillmentCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeFulfillmentCompleted,
			Timestamp: time.Now(),
		},
		TransactionID: txID,
		FulfillmentID: rec.ID,
		OrderID:       order.ID,
	}
	if err := p.publisher.PublishFulfillmentCompleted(ctx, event); err != nil {
		p.logger.Error("Failed to publish FulfillmentCompleted event", zap.Error(err))
	}

	p.logger.Info("Approval pipeline completed",
		zap.String("tx_id", txID),
		zap.String("fulfillment_id", rec.ID),
		zap.String("order_id", order.ID))
	return nil
}

// RunWithRetry reruns the pipeline with exponential backoff until it
// completes, hits a permanent error or runs out of attempts.
func (p *ApprovalPipeline) RunWithRetry(ctx context.Context, txID string) error {
	b := backoff.NewExponentialBackOff()
	if p.cfg.Backoff > 0 {
		b.InitialInterval = p.cfg.Backoff
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := p.Run(ctx, txID)
		if err == nil {
			return nil
		}

		switch apperr.KindOf(err) {
		case apperr.KindInvalidState, apperr.KindNotFound:
			return backoff.Permanent(err)
		}
		p.logger.Warn("Approval pipeline attempt failed",
			zap.String("tx_id", txID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
}

func (p *ApprovalPipeline) ensureFulfillment(ctx context.Context, tx *models.Transaction, order *models.Order, items []models.OrderItem) (*models.FulfillmentRecord, error) {
	built, err := buildFulfillmentLines(order, items)
	if err != nil {
		return nil, err
	}
	lines, err := json.Marshal(built)
	if err != nil {
		return nil, err
	}

	rec := &models.FulfillmentRecord{
		ID:                   uuid.NewString(),
		PaymentTransactionID: tx.ID,
		OrderID:              order.ID,
		Kind:                 order.Kind,
		BuyerName:            order.BuyerName,
		BuyerEmail:           order.BuyerEmail,
		BuyerIdentification:  order.BuyerIdentification,
		LineItems:            lines,
		FulfillmentStatus:    models.FulfillmentCreated,
	}

	created, err := p.store.CreateFulfillmentIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}

	logged, err := p.store.HasEvent(ctx, tx.ID, models.PaymentEventFulfillmentCreated)
	if err != nil {
		return nil, err
	}
	if !logged {
		if err := appendEvent(ctx, p.store, tx.ID, &rec.ID, models.PaymentEventFulfillmentCreated,
			map[string]any{"kind": rec.Kind, "order_id": order.ID}); err != nil {
			return nil, err
		}
	}

	if created {
		p.logger.Info("Fulfillment created",
			zap.String("tx_id", tx.ID),
			zap.String("fulfillment_id", rec.ID),
			zap.String("kind", string(rec.Kind)))
	}
	return rec, nil
}

func (p *ApprovalPipeline) commitInventory(ctx context.Context, tx *models.Transaction, order *models.Order, items []models.OrderItem, rec *models.FulfillmentRecord) error {
	done, err := p.store.HasEvent(ctx, tx.ID, models.PaymentEventInventoryCommitted)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	rows, err := p.inventory.CommitForOrder(ctx, order.ID)
	if err == nil {
		err = p.checkCommitted(ctx, order.ID, items)
	}
	if err != nil {
		util.PipelineStepFailuresTotal.WithLabelValues("inventory_commit").Inc()
		p.logger.Error("Inventory commit failed after approval",
			zap.String("tx_id", tx.ID),
			zap.String("order_id", order.ID),
			zap.Error(err))

		if rerr := appendEvent(ctx, p.store, tx.ID, &rec.ID, models.PaymentEventInventoryFailed,
			map[string]any{"error": err.Error(), "kind": apperr.KindOf(err)}); rerr != nil {
			p.logger.Error("Failed to record inventory failure", zap.Error(rerr))
		}
		if rec.FulfillmentStatus != models.FulfillmentPartiallyFailed {
			if uerr := p.store.UpdateFulfillmentStatus(ctx, rec.ID, models.FulfillmentPartiallyFailed); uerr != nil {
				p.logger.Error("Failed to flag fulfillment", zap.Error(uerr))
			} else {
				rec.FulfillmentStatus = models.FulfillmentPartiallyFailed
			}
		}
		return apperr.Wrap(apperr.KindFulfillmentPartial, "INVENTORY_COMMIT", err)
	}

	committed := make([]models.ReservationLine, len(rows))
	for i, r := range rows {
		committed[i] = models.ReservationLine{SKU: r.SKU, Quantity: r.Quantity}
	}
	if err := appendEvent(ctx, p.store, tx.ID, &rec.ID, models.PaymentEventInventoryCommitted,
		map[string]any{"lines": committed}); err != nil {
		return err
	}

	if rec.FulfillmentStatus == models.FulfillmentPartiallyFailed {
		if err := p.store.UpdateFulfillmentStatus(ctx, rec.ID, models.FulfillmentCreated); err != nil {
			p.logger.Error("Failed to clear partial flag", zap.Error(err))
		} else {
			rec.FulfillmentStatus = models.FulfillmentCreated
		}
	}
	return nil
}

// checkCommitted fails unless every ordered SKU holds a COMMITTED reservation.
func (p *ApprovalPipeline) checkCommitted(ctx context.Context, orderID string, items []models.OrderItem) error {
	rows, err := p.inventory.Reservations(ctx, orderID)
	if err != nil {
		return err
	}
	committed := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.Status == models.ReservationCommitted {
			committed[r.SKU] = true
		}
	}
	for _, it := range items {
		if !committed[it.SKU] {
			return &apperr.UnderflowError{SKU: it.SKU, Op: "commit", Quantity: it.Quantity}
		}
	}
	return nil
}

// enqueueNotification hands the confirmation to the notifier. The notifier
// does its own bounded retries; a final failure is recorded and dropped.
func (p *ApprovalPipeline) enqueueNotification(ctx context.Context, tx *models.Transaction, order *models.Order, rec *models.FulfillmentRecord) {
	for _, t := range []string{models.PaymentEventNotificationEnqueued, models.PaymentEventNotificationFailed} {
		done, err := p.store.HasEvent(ctx, tx.ID, t)
		if err != nil {
			p.logger.Error("Failed to check notification checkpoint", zap.Error(err))
			return
		}
		if done {
			return
		}
	}

	metadata := map[string]string{
		"order_id":       order.ID,
		"transaction_id": tx.ID,
		"control":        tx.ControlNumber(),
		"kind":           string(order.Kind),
		"buyer_name":     order.BuyerName,
		"buyer_email":    order.BuyerEmail,
		"amount_usd":     tx.AmountUSD.StringFixed(2),
		"amount_bs":      tx.AmountBs.StringFixed(2),
		"reference":      tx.Reference,
	}
	opts := models.NotifyOptions{Priority: "high", Retries: p.cfg.NotificationRetries}

	if err := p.notifier.EnqueueConfirmation(ctx, rec.ID, metadata, opts); err != nil {
		util.PipelineStepFailuresTotal.WithLabelValues("notification").Inc()
		p.logger.Error("Confirmation enqueue failed",
			zap.String("tx_id", tx.ID),
			zap.String("fulfillment_id", rec.ID),
			zap.Error(err))
		if rerr := appendEvent(ctx, p.store, tx.ID, &rec.ID, models.PaymentEventNotificationFailed,
			map[string]any{"error": err.Error(), "retries": opts.Retries}); rerr != nil {
			p.logger.Error("Failed to record notification failure", zap.Error(rerr))
		}
		return
	}

	if err := appendEvent(ctx, p.store, tx.ID, &rec.ID, models.PaymentEventNotificationEnqueued,
		map[string]any{"priority": opts.Priority}); err != nil {
		p.logger.Error("Failed to record notification checkpoint", zap.Error(err))
	}
}

// buildFulfillmentLines expands order items into one domain object per unit.
// Holder names come from the item details, falling back to the buyer.
func buildFulfillmentLines(order *models.Order, items []models.OrderItem) ([]models.FulfillmentLine, error) {
	kind := map[models.OrderKind]string{
		models.OrderKindRaceGroup: "runner",
		models.OrderKindTickets:   "ticket",
		models.OrderKindBox:       "box",
	}[order.Kind]
	if kind == "" {
		kind = "item"
	}
	prefix := strings.ToUpper(kind[:3])

	var lines []models.FulfillmentLine
	for _, it := range items {
		var holders []string
		if len(it.Details) > 0 {
			if err := json.Unmarshal(it.Details, &holders); err != nil {
				return nil, fmt.Errorf("order item %d (%s) has malformed holder details: %w", it.ID, it.SKU, err)
			}
		}
		for i := 0; i < it.Quantity; i++ {
			holder := order.BuyerName
			if i < len(holders) && holders[i] != "" {
				holder = holders[i]
			}
			lines = append(lines, models.FulfillmentLine{
				SKU:    it.SKU,
				Kind:   kind,
				Code:   prefix + "-" + strings.ToUpper(uuid.NewString()[:8]),
				Holder: holder,
			})
		}
	}
	return lines, nil
}

// InlineDispatcher runs the pipeline in a goroutine of this process. It is
// used when no broker is configured, and in tests.
type InlineDispatcher struct {
	pipeline *ApprovalPipeline
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewInlineDispatcher creates a dispatcher bound to pipeline
func NewInlineDispatcher(pipeline *ApprovalPipeline) *InlineDispatcher {
	return &InlineDispatcher{pipeline: pipeline, logger: util.GetLogger().Named("dispatcher")}
}

// DispatchApproval starts the pipeline without waiting for it.
func (d *InlineDispatcher) DispatchApproval(ctx context.Context, tx *models.Transaction, source string) error {
	if d.pipeline == nil {
		return errors.New("dispatcher has no pipeline")
	}
	ctx = context.WithoutCancel(ctx)
	txID := tx.ID

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.pipeline.RunWithRetry(ctx, txID); err != nil {
			d.logger.Error("Approval pipeline gave up",
				zap.String("tx_id", txID),
				zap.String("source", source),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
