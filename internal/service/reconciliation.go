package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

const (
	webhookReplayTTL = 24 * time.Hour
	pollLockTTL      = 30 * time.Second
)

// WebhookPayload is the body the processor posts when a charge settles.
type WebhookPayload struct {
	Control    string `json:"control"`
	Estado     string `json:"estado"`
	Codigo     string `json:"codigo"`
	Referencia string `json:"referencia"`
	AuthID     string `json:"authid"`
}

// ReconcileResult is what a webhook or poll did to the transaction.
type ReconcileResult struct {
	Transaction  *models.Transaction `json:"transaction"`
	Changed      bool                `json:"changed"`
	LateApproval bool                `json:"late_approval"`
	Replayed     bool                `json:"replayed,omitempty"`
	GatewayState string              `json:"gateway_state,omitempty"`
}

// ReconciliationService settles transactions the charge call did not: a
// webhook, a client poll, or the periodic batch. All three go through
// PaymentService.Settle.
type ReconciliationService struct {
	ledger   *TransactionLedger
	payments *PaymentService
	gateway  Gateway
	events   EventStore
	guard    KeyGuard
	secret   []byte
	logger   *zap.Logger
}

// NewReconciliationService creates the service. guard may be nil, in which
// case polls are not serialized and webhook replays rely on Settle alone.
// An empty secret accepts unsigned webhooks.
func NewReconciliationService(
	ledger *TransactionLedger,
	payments *PaymentService,
	gw Gateway,
	events EventStore,
	guard KeyGuard,
	secret string,
) *ReconciliationService {
	return &ReconciliationService{
		ledger:   ledger,
		payments: payments,
		gateway:  gw,
		events:   events,
		guard:    guard,
		secret:   []byte(secret),
		logger:   util.GetLogger().Named("reconciliation"),
	}
}

// VerifySignature checks the hex HMAC-SHA256 of body. A "sha256=" prefix
// is accepted. Without a configured secret every body passes.
func (r *ReconciliationService) VerifySignature(body []byte, signature string) error {
	if len(r.secret) == 0 {
		return nil
	}

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return apperr.InvalidSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return apperr.InvalidSignature
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperr.InvalidSignature
	}
	return nil
}

// OnWebhook verifies and applies a processor notification. Repeating a
// webhook never changes a terminal transaction.
func (r *ReconciliationService) OnWebhook(ctx context.Context, body []byte, signature string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.OnWebhook")
	defer span.End()

	if err := r.VerifySignature(body, signature); err != nil {
		util.WebhooksTotal.WithLabelValues("invalid_signature").Inc()
		r.logger.Warn("Webhook rejected: bad signature")
		return nil, err
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		util.WebhooksTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.Validation("INVALID_PAYLOAD", "webhook body is not valid JSON: %v", err)
	}
	state := gateway.StateFromWire(p.Estado)
	if p.Control == "" || state == gateway.StatusPending {
		util.WebhooksTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.Validation("INVALID_PAYLOAD", "webhook needs a control and estado A or R")
	}

	tx, err := r.ledger.GetByControl(ctx, p.Control)
	if err != nil {
		util.WebhooksTotal.WithLabelValues("unknown_control").Inc()
		return nil, err
	}

	var replayKey string
	if r.guard != nil {
		sum := sha256.Sum256(body)
		key := "webhook:" + hex.EncodeToString(sum[:])
		first, err := r.guard.MarkProcessed(ctx, key, webhookReplayTTL)
		if err != nil {
			r.logger.Warn("Webhook replay check failed", zap.Error(err))
		} else if first {
			replayKey = key
		} else {
			util.WebhooksTotal.WithLabelValues("replayed").Inc()
			r.logger.Info("Webhook replay ignored", zap.String("control", p.Control))
			return &ReconcileResult{Transaction: tx, Replayed: true, GatewayState: string(state)}, nil
		}
	}

	if err := appendEvent(ctx, r.events, tx.ID, nil, models.PaymentEventWebhookReceived, p); err != nil {
		r.logger.Error("Failed to record webhook", zap.String("tx_id", tx.ID), zap.Error(err))
	}

	o := OutcomeFromStatus(&gateway.StatusResult{
		State:     state,
		Code:      p.Codigo,
		Reference: p.Referencia,
		AuthID:    p.AuthID,
	}, SourceWebhook)

	res, err := r.payments.Settle(ctx, tx, o)
	if err != nil {
		util.WebhooksTotal.WithLabelValues("error").Inc()
		// the processor retries a failed delivery; it must be applied then
		if replayKey != "" {
			if cerr := r.guard.ClearProcessed(ctx, replayKey); cerr != nil {
				r.logger.Warn("Failed to clear webhook replay key", zap.String("control", p.Control), zap.Error(cerr))
			}
		}
		return nil, err
	}

	result := "noop"
	if res.Changed {
		result = "applied"
	}
	util.WebhooksTotal.WithLabelValues(result).Inc()
	return &ReconcileResult{
		Transaction:  res.Transaction,
		Changed:      res.Changed,
		LateApproval: res.LateApproval,
		GatewayState: string(state),
	}, nil
}

// PollStatus asks the processor about control when the stored state may
// still change. Transactions closed locally by a timeout or a transport
// failure are queried too, so a late approval is noticed.
func (r *ReconciliationService) PollStatus(ctx context.Context, control string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.PollStatus", "control", control)
	defer span.End()

	tx, err := r.ledger.GetByControl(ctx, control)
	if err != nil {
		return nil, err
	}
	if !needsQuery(tx) {
		return &ReconcileResult{Transaction: tx}, nil
	}

	if r.guard != nil {
		key := "poll:" + control
		ok, err := r.guard.AcquireLock(ctx, key, pollLockTTL)
		if err != nil {
			r.logger.Warn("Poll lock unavailable", zap.String("control", control), zap.Error(err))
		} else if !ok {
			// someone else is asking the gateway right now
			return &ReconcileResult{Transaction: tx}, nil
		} else {
			defer func() {
				if err := r.guard.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
					r.logger.Warn("Failed to release poll lock", zap.String("control", control), zap.Error(err))
				}
			}()
		}
	}

	return r.reconcile(ctx, tx, SourcePoll)
}

// ReconcilePending polls the processor for transactions stuck in
// processing for longer than olderThan. It returns how many it settled.
func (r *ReconciliationService) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.ReconcilePending")
	defer span.End()

	stuck, err := r.ledger.ListProcessing(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range stuck {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		res, err := r.reconcile(ctx, &stuck[i], SourceRepair)
		if err != nil {
			r.logger.Warn("Reconciliation query failed",
				zap.String("tx_id", stuck[i].ID),
				zap.String("control", stuck[i].ControlNumber()),
				zap.Error(err))
			continue
		}
		if res.Changed {
			settled++
		}
	}
	if len(stuck) > 0 {
		r.logger.Info("Reconciled processing transactions",
			zap.Int("checked", len(stuck)),
			zap.Int("settled", settled))
	}
	return settled, nil
}

func (r *ReconciliationService) reconcile(ctx context.Context, tx *models.Transaction, source string) (*ReconcileResult, error) {
	if tx.Control == nil {
		return &ReconcileResult{Transaction: tx}, nil
	}

	st, err := r.gateway.QueryStatus(ctx, tx.ControlNumber())
	if err != nil {
		return nil, err
	}
	if st.State == gateway.StatusPending {
		return &ReconcileResult{Transaction: tx, GatewayState: string(st.State)}, nil
	}

	res, err := r.payments.Settle(ctx, tx, OutcomeFromStatus(st, source))
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{
		Transaction:  res.Transaction,
		Changed:      res.Changed,
		LateApproval: res.LateApproval,
		GatewayState: string(st.State),
	}, nil
}

// needsQuery reports whether the processor may know something the local
// row does not.
func needsQuery(tx *models.Transaction) bool {
	if !tx.Status.IsTerminal() {
		return true
	}
	if tx.Status != models.StatusFailed {
		return false
	}
	return tx.GatewayCode == gateway.CodeTimeout || tx.GatewayCode == gateway.CodeCommunicationError
}
