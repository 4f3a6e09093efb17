package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// SweeperConfig controls the periodic maintenance pass.
type SweeperConfig struct {
	Interval       time.Duration
	ReconcileAfter time.Duration
	BatchSize      int
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Expired      int `json:"expired"`
	Reconciled   int `json:"reconciled"`
	Redispatched int `json:"redispatched"`
	Recalculated int `json:"recalculated"`
	Released     int `json:"released"`
}

// Sweeper expires abandoned transactions, reconciles stuck charges,
// re-dispatches unfinished approval pipelines and rebuilds reserved
// counters.
type Sweeper struct {
	ledger     *TransactionLedger
	inventory  *InventoryLedger
	payments   *PaymentService
	recon      *ReconciliationService
	dispatcher ApprovalDispatcher
	publisher  EventPublisher
	cfg        SweeperConfig
	logger     *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(
	ledger *TransactionLedger,
	inventory *InventoryLedger,
	payments *PaymentService,
	recon *ReconciliationService,
	dispatcher ApprovalDispatcher,
	publisher EventPublisher,
	cfg SweeperConfig,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		ledger:     ledger,
		inventory:  inventory,
		payments:   payments,
		recon:      recon,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		logger:     util.GetLogger().Named("sweeper"),
	}
}

// ExpireStale expires stale transactions and releases what they held.
func (s *Sweeper) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.ledger.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}

	for i := range expired {
		tx := &expired[i]
		s.payments.ReleaseForTransaction(ctx, tx)

		event := &models.PaymentExpiredEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.NewString(),
				EventType: models.EventTypePaymentExpired,
				Timestamp: time.Now(),
			},
			TransactionID: tx.ID,
			OrderID:       tx.OrderID(),
		}
		if err := s.publisher.PublishPaymentExpired(ctx, event); err != nil {
			s.logger.Error("Failed to publish PaymentExpired event", zap.Error(err))
		}
	}
	return len(expired), nil
}

// Repair re-dispatches approved transactions whose pipeline never recorded
// completion.
func (s *Sweeper) Repair(ctx context.Context) (int, error) {
	pending, err := s.ledger.ListUnfinishedApprovals(ctx, s.cfg.Interval, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range pending {
		if err := s.dispatcher.DispatchApproval(ctx, &pending[i], SourceRepair); err != nil {
			s.logger.Error("Failed to re-dispatch approval",
				zap.String("tx_id", pending[i].ID),
				zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("Re-dispatched unfinished approvals", zap.Int("count", n))
	}
	return n, nil
}

// Recalculate rebuilds the reserved counter of every SKU.
func (s *Sweeper) Recalculate(ctx context.Context) (int, int, error) {
	skus, err := s.inventory.ListSKUs(ctx)
	if err != nil {
		return 0, 0, err
	}

	released := 0
	for _, sku := range skus {
		_, n, err := s.inventory.Recalculate(ctx, sku)
		if err != nil {
			s.logger.Warn("Recalculate failed", zap.String("sku", sku), zap.Error(err))
			continue
		}
		released += n
	}
	return len(skus), released, nil
}

// RunOnce runs one full maintenance pass. A failing step is logged and the
// next one still runs; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.RunOnce")
	defer span.End()

	var report SweepReport
	var firstErr error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Error("Sweep step failed", zap.String("step", step), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	var err error
	report.Expired, err = s.ExpireStale(ctx)
	keep("expire", err)

	if s.recon != nil {
		report.Reconciled, err = s.recon.ReconcilePending(ctx, s.cfg.ReconcileAfter, s.cfg.BatchSize)
		keep("reconcile", err)
	}

	report.Redispatched, err = s.Repair(ctx)
	keep("repair", err)

	report.Recalculated, report.Released, err = s.Recalculate(ctx)
	keep("recalculate", err)

	return report, firstErr
}

// Start runs RunOnce every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			report, err := s.RunOnce(ctx)
			if err != nil {
				continue
			}
			if report.Expired+report.Reconciled+report.Redispatched+report.Released > 0 {
				s.logger.Info("Sweep completed",
					zap.Int("expired", report.Expired),
					zap.Int("reconciled", report.Reconciled),
					zap.Int("redispatched", report.Redispatched),
					zap.Int("released", report.Released))
			}
		}
	}
}
