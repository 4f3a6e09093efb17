// Package app wires the stores, gateway, broker and services from config.
// The server and the admin CLI build the same graph.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"p2c-service/config"
	"p2c-service/internal/broker"
	"p2c-service/internal/gateway"
	"p2c-service/internal/redisclient"
	"p2c-service/internal/service"
	"p2c-service/internal/store"
	"p2c-service/internal/util"
	"p2c-service/migrations"
)

// App holds the wired components.
type App struct {
	Config *config.Config

	Store *store.Store
	Redis *redisclient.Client

	Gateway   *gateway.Client
	Ledger    *service.TransactionLedger
	Inventory *service.InventoryLedger
	Pipeline  *service.ApprovalPipeline
	Payments  *service.PaymentService
	Orders    *service.OrderService
	Recon     *service.ReconciliationService
	Sweeper   *service.Sweeper

	// Inline is set when approvals run in-process instead of via Kafka.
	Inline *service.InlineDispatcher

	producers []*broker.Producer
	logger    *zap.Logger
}

// New connects to every dependency and builds the services. The caller
// must Close the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.Component("app")}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.Store = db
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// the interfaces stay nil, not typed-nil, when Redis is off
	var mirror service.InventoryMirror
	var guard service.KeyGuard
	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = rc
		mirror = rc
		guard = rc
	} else {
		a.logger.Warn("Redis disabled: no inventory mirror, locks or webhook replay keys")
	}

	banks, err := gateway.LoadBanks(cfg.Gateway.BanksFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load bank table: %w", err)
	}
	transport := gateway.NewHTTPTransport(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.RequestTimeout)
	a.Gateway = gateway.NewClient(transport, banks, gateway.Options{
		CommercePhone:    cfg.Gateway.CommercePhone,
		CommerceBankCode: cfg.Gateway.CommerceBankCode,
		ChargeTimeout:    cfg.Gateway.ChargeTimeout,
	}, util.Component("gateway"))

	paymentsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments)
	notifyProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	a.producers = append(a.producers, paymentsProducer, notifyProducer)
	publisher := broker.NewEventPublisher(paymentsProducer)
	notifier := broker.NewNotifier(notifyProducer, cfg.Business.NotificationBackoff)

	biz := cfg.Business
	a.Ledger = service.NewTransactionLedger(db, db, biz.TransactionExpiry)
	a.Inventory = service.NewInventoryLedger(db, mirror, biz.TransactionExpiry)
	a.Pipeline = service.NewApprovalPipeline(db, a.Inventory, notifier, publisher, service.PipelineConfig{
		MaxAttempts:         biz.PipelineMaxAttempts,
		Backoff:             biz.PipelineBackoff,
		NotificationRetries: biz.NotificationRetries,
	})

	var dispatcher service.ApprovalDispatcher = publisher
	if strings.EqualFold(cfg.Kafka.ApprovalDispatch, "inline") {
		a.Inline = service.NewInlineDispatcher(a.Pipeline)
		dispatcher = a.Inline
	}

	a.Payments = service.NewPaymentService(a.Ledger, a.Inventory, db, db, a.Gateway, dispatcher, publisher, biz.ExchangeRateBs)
	a.Orders = service.NewOrderService(db, a.Inventory)
	a.Recon = service.NewReconciliationService(a.Ledger, a.Payments, a.Gateway, db, guard, cfg.Webhook.Secret)
	a.Sweeper = service.NewSweeper(a.Ledger, a.Inventory, a.Payments, a.Recon, dispatcher, publisher, service.SweeperConfig{
		Interval:       biz.SweepInterval,
		ReconcileAfter: biz.ReconcileAfter,
		BatchSize:      100,
	})

	a.logger.Info("Components wired",
		zap.Int("banks", banks.Len()),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("approval_dispatch", cfg.Kafka.ApprovalDispatch))
	return a, nil
}

// Close waits for in-process approvals and releases every connection.
func (a *App) Close() {
	if a.Inline != nil {
		a.Inline.Wait()
	}
	for _, p := range a.producers {
		if err := p.Close(); err != nil {
			a.logger.Warn("Failed to close producer", zap.String("topic", p.Topic()), zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
