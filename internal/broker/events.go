package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// EventWriter is the part of Producer the publishers need.
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

func transactionKey(txID string) string {
	return "tx-" + txID
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentApproved publishes PaymentApproved event. The approval
// worker consumes the same event as its job.
func (ep *EventPublisher) PublishPaymentApproved(ctx context.Context, event *models.PaymentApprovedEvent) error {
	return ep.producer.PublishEvent(ctx, transactionKey(event.TransactionID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, transactionKey(event.TransactionID), event)
}

// PublishPaymentExpired publishes PaymentExpired event
func (ep *EventPublisher) PublishPaymentExpired(ctx context.Context, event *models.PaymentExpiredEvent) error {
	return ep.producer.PublishEvent(ctx, transactionKey(event.TransactionID), event)
}

// PublishPaymentLateApproval publishes PaymentLateApproval event
func (ep *EventPublisher) PublishPaymentLateApproval(ctx context.Context, event *models.PaymentLateApprovalEvent) error {
	return ep.producer.PublishEvent(ctx, transactionKey(event.TransactionID), event)
}

// PublishFulfillmentCompleted publishes FulfillmentCompleted event
func (ep *EventPublisher) PublishFulfillmentCompleted(ctx context.Context, event *models.FulfillmentCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, transactionKey(event.TransactionID), event)
}

// DispatchApproval queues the approval pipeline for tx by publishing a
// PaymentApproved event. The topic is the durable retry queue.
func (ep *EventPublisher) DispatchApproval(ctx context.Context, tx *models.Transaction, source string) error {
	event := &models.PaymentApprovedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentApproved,
			Timestamp: time.Now(),
		},
		TransactionID: tx.ID,
		OrderID:       tx.OrderID(),
		Control:       tx.ControlNumber(),
		AmountUSD:     tx.AmountUSD.StringFixed(2),
		Source:        source,
	}
	return ep.PublishPaymentApproved(ctx, event)
}

// Notifier hands confirmation requests to the email collaborator over the
// notifications topic.
type Notifier struct {
	producer EventWriter
	backoff  time.Duration
	logger   *zap.Logger
}

// NewNotifier creates a notifier. initialBackoff is the first retry delay.
func NewNotifier(producer EventWriter, initialBackoff time.Duration) *Notifier {
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	return &Notifier{
		producer: producer,
		backoff:  initialBackoff,
		logger:   util.Component("notifier"),
	}
}

// EnqueueConfirmation publishes a confirmation request, retrying publish
// failures up to opts.Retries times with exponential backoff.
func (n *Notifier) EnqueueConfirmation(ctx context.Context, fulfillmentID string, metadata map[string]string, opts models.NotifyOptions) error {
	event := &models.ConfirmationRequestEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypeConfirmationRequest,
			Timestamp: time.Now(),
		},
		FulfillmentID: fulfillmentID,
		Priority:      opts.Priority,
		Retries:       opts.Retries,
		Metadata:      metadata,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.backoff
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := n.producer.PublishEvent(ctx, "fulfillment-"+fulfillmentID, event)
		if err != nil {
			n.logger.Warn("Confirmation publish failed",
				zap.String("fulfillment_id", fulfillmentID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("enqueue confirmation for %s: %w", fulfillmentID, err)
	}
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentApproved func(context.Context, *models.PaymentApprovedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("event_handler")}
}

// OnPaymentApproved registers a handler for PaymentApproved events
func (eh *EventHandler) OnPaymentApproved(handler func(context.Context, *models.PaymentApprovedEvent) error) {
	eh.onPaymentApproved = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// a poison message is dropped, not retried forever
		eh.logger.Error("Dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentApproved:
		if eh.onPaymentApproved == nil {
			return nil
		}
		var event models.PaymentApprovedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal PaymentApproved event: %w", err)
		}
		return eh.onPaymentApproved(ctx, &event)

	default:
		// other payment events are for downstream consumers
	}

	return nil
}
