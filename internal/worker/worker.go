package worker

import (
	"context"

	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/broker"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// Pipeline is the part of the approval pipeline the worker drives.
type Pipeline interface {
	RunWithRetry(ctx context.Context, txID string) error
}

// ApprovalWorker consumes PaymentApproved events and runs the approval
// pipeline for each. The pipeline is idempotent, so redelivery is safe.
type ApprovalWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	pipeline     Pipeline
	logger       *zap.Logger
}

// NewApprovalWorker creates a new approval worker
func NewApprovalWorker(consumer *broker.Consumer, pipeline Pipeline) *ApprovalWorker {
	w := &ApprovalWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		pipeline:     pipeline,
		logger:       util.Component("approval_worker"),
	}
	w.eventHandler.OnPaymentApproved(w.HandlePaymentApproved)
	return w
}

// HandlePaymentApproved runs the pipeline for one event. Errors that a
// retry cannot fix are logged and acknowledged; anything else is returned
// so the message is not committed.
func (w *ApprovalWorker) HandlePaymentApproved(ctx context.Context, event *models.PaymentApprovedEvent) error {
	w.logger.Info("Running approval pipeline",
		zap.String("tx_id", event.TransactionID),
		zap.String("source", event.Source))

	err := w.pipeline.RunWithRetry(ctx, event.TransactionID)
	switch apperr.KindOf(err) {
	case "":
		return nil
	case apperr.KindNotFound, apperr.KindInvalidState, apperr.KindValidation:
		w.logger.Error("Dropping approval job",
			zap.String("tx_id", event.TransactionID),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

// Start starts the worker
func (w *ApprovalWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting approval worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ApprovalWorker) Stop() error {
	w.logger.Info("Stopping approval worker")
	return w.consumer.Close()
}
