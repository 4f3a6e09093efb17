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

// PaymentService drives a charge from pre-registration to a terminal state.
// Settle is the single place where a terminal outcome turns into side effects.
type PaymentService struct {
	ledger     *TransactionLedger
	inventory  *InventoryLedger
	orders     OrderStore
	events     EventStore
	gateway    Gateway
	dispatcher ApprovalDispatcher
	publisher  EventPublisher
	rate       decimal.Decimal
	logger     *zap.Logger
}

// NewPaymentService creates a new payment service. rate converts USD to bolivars.
func NewPaymentService(
	ledger *TransactionLedger,
	inventory *InventoryLedger,
	orders OrderStore,
	events EventStore,
	gw Gateway,
	dispatcher ApprovalDispatcher,
	publisher EventPublisher,
	rate decimal.Decimal,
) *PaymentService {
	return &PaymentService{
		ledger:     ledger,
		inventory:  inventory,
		orders:     orders,
		events:     events,
		gateway:    gw,
		dispatcher: dispatcher,
		publisher:  publisher,
		rate:       rate,
		logger:     util.GetLogger().Named("payments"),
	}
}

// ChargeRequest is the input of Charge and PreRegister
type ChargeRequest struct {
	OrderID              string `json:"order_id" binding:"required"`
	ClientPhone          string `json:"client_phone" binding:"required"`
	ClientIdentification string `json:"client_identification" binding:"required"`
	ClientBankCode       string `json:"client_bank_code" binding:"required"`
	Invoice              string `json:"invoice,omitempty"`
	Reference            string `json:"reference,omitempty"`
}

// PaymentResponse is what the caller sees. Voucher is always filled once
// the gateway answered, including on failure.
type PaymentResponse struct {
	TransactionID string        `json:"transaction_id"`
	OrderID       string        `json:"order_id,omitempty"`
	Control       string        `json:"control,omitempty"`
	Invoice       string        `json:"invoice"`
	Reference     string        `json:"reference"`
	Status        models.Status `json:"status"`
	AmountUSD     string        `json:"amount_usd"`
	AmountBs      string        `json:"amount_bs"`
	Code          string        `json:"code,omitempty"`
	Description   string        `json:"description,omitempty"`
	AuthID        string        `json:"auth_id,omitempty"`
	Voucher       string        `json:"voucher,omitempty"`
	VoucherLines  []string      `json:"voucher_lines,omitempty"`
	Duplicate     bool          `json:"duplicate"`
}

// SettleResult reports what Settle did.
type SettleResult struct {
	Transaction  *models.Transaction
	Changed      bool
	LateApproval bool
}

// PreRegister obtains a control number for an order ahead of the charge.
// Calling it again while the pre-registration is still pending returns it.
func (s *PaymentService) PreRegister(ctx context.Context, req *ChargeRequest) (*PaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.PreRegister", "order_id", req.OrderID)
	defer span.End()

	cust, order, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	active, err := s.reusable(ctx, order.ID, cust)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return responseFor(active, nil), nil
	}

	tx, err := s.ledger.Create(ctx, NewTransaction{
		OrderID:         order.ID,
		AmountUSD:       order.TotalUSD,
		ExchangeRate:    s.rate,
		Customer:        cust,
		Invoice:         req.Invoice,
		Reference:       req.Reference,
		PreRegistration: true,
	})
	if err != nil {
		return nil, err
	}

	if err := s.obtainControl(ctx, tx); err != nil {
		return responseFor(tx, nil), err
	}
	return responseFor(tx, nil), nil
}

// Charge runs the synchronous charge for an order. The terminal status
// is returned to the caller; post-approval work runs in the background.
// A non-nil error after the gateway answered comes with a response that
// carries the raw voucher.
func (s *PaymentService) Charge(ctx context.Context, req *ChargeRequest) (*PaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Charge", "order_id", req.OrderID)
	defer span.End()

	cust, order, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	tx, err := s.reusable(ctx, order.ID, cust)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		tx, err = s.ledger.Create(ctx, NewTransaction{
			OrderID:      order.ID,
			AmountUSD:    order.TotalUSD,
			ExchangeRate: s.rate,
			Customer:     cust,
			Invoice:      req.Invoice,
			Reference:    req.Reference,
		})
		if err != nil {
			return nil, err
		}
	}

	if tx.Control == nil {
		if err := s.obtainControl(ctx, tx); err != nil {
			return responseFor(tx, nil), err
		}
	}

	started, err := s.ledger.BeginCharge(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !started {
		// another request owns this charge; report what is stored
		return responseFor(tx, nil), nil
	}

	// the bank may still process a charge we stopped waiting for, so the
	// call is not tied to the caller's cancellation
	res, err := s.gateway.ChargeP2C(context.WithoutCancel(ctx), gateway.ChargeInput{
		Control:   tx.ControlNumber(),
		Invoice:   tx.Invoice,
		AmountBs:  tx.AmountBs,
		Reference: tx.Reference,
		Customer:  cust,
	})
	if err != nil {
		o := communicationOutcome("INVALID_REQUEST", err.Error())
		o.CommunicationFailure = false
		result, serr := s.Settle(ctx, tx, o)
		if serr != nil {
			return nil, serr
		}
		return responseFor(result.Transaction, &o), err
	}

	o := OutcomeFromCharge(res)
	result, err := s.Settle(ctx, tx, o)
	if err != nil {
		return nil, err
	}

	resp := responseFor(result.Transaction, &o)
	if result.Transaction.Status == models.StatusApproved {
		return resp, nil
	}
	if !result.Changed && result.Transaction.Status != models.StatusFailed {
		return resp, apperr.New(apperr.KindInvalidState, "ALREADY_FINAL",
			fmt.Sprintf("transaction %s is %s", tx.ID, result.Transaction.Status))
	}
	return resp, o.Err()
}

// Settle finalizes tx with o and runs the side effects of the transition:
// approval dispatch on approved, inventory release on failed. When tx was
// already terminal nothing changes; an approval reported for a failed or
// expired transaction is recorded as a late approval.
func (s *PaymentService) Settle(ctx context.Context, tx *models.Transaction, o Outcome) (*SettleResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Settle", "tx_id", tx.ID, "source", o.Source)
	defer span.End()

	// side effects must survive a client disconnect
	ctx = context.WithoutCancel(ctx)

	changed, current, err := s.ledger.Finalize(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	*tx = *current

	if !changed {
		late := o.Approved && (current.Status == models.StatusFailed || current.Status == models.StatusExpired)
		if late {
			util.LateApprovalsTotal.Inc()
			s.logger.Error("Gateway approved a transaction already closed locally",
				zap.String("tx_id", current.ID),
				zap.String("control", current.ControlNumber()),
				zap.String("status", string(current.Status)),
				zap.String("source", o.Source))
			s.record(ctx, current.ID, models.PaymentEventLateApproval, map[string]any{
				"status":  current.Status,
				"source":  o.Source,
				"code":    o.Code,
				"auth_id": o.AuthID,
			})
			event := &models.PaymentLateApprovalEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.NewString(),
					EventType: models.EventTypePaymentLateApproval,
					Timestamp: time.Now(),
				},
				TransactionID: current.ID,
				OrderID:       current.OrderID(),
				Control:       current.ControlNumber(),
				LocalStatus:   string(current.Status),
				Code:          o.Code,
				AuthID:        o.AuthID,
				Source:        o.Source,
			}
			if err := s.publisher.PublishPaymentLateApproval(ctx, event); err != nil {
				s.logger.Error("Failed to publish PaymentLateApproval event", zap.Error(err))
			}
		}
		return &SettleResult{Transaction: current, LateApproval: late}, nil
	}

	util.TransactionsFinalizedTotal.WithLabelValues(string(current.Status), o.Source).Inc()

	if current.Status == models.StatusApproved {
		s.record(ctx, current.ID, models.PaymentEventApproved, o.eventData())
		if err := s.dispatcher.DispatchApproval(ctx, current, o.Source); err != nil {
			// the repair sweep picks it up
			s.logger.Error("Failed to dispatch approval",
				zap.String("tx_id", current.ID),
				zap.Error(err))
		}
		return &SettleResult{Transaction: current, Changed: true}, nil
	}

	util.PaymentFailuresTotal.WithLabelValues(o.reason()).Inc()
	s.record(ctx, current.ID, models.PaymentEventFailed, o.eventData())
	s.ReleaseForTransaction(ctx, current)

	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		TransactionID: current.ID,
		OrderID:       current.OrderID(),
		Control:       current.ControlNumber(),
		Code:          o.Code,
		Reason:        o.reason(),
	}
	if err := s.publisher.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return &SettleResult{Transaction: current, Changed: true}, nil
}

// ReleaseForTransaction returns the inventory held by tx's order. Nothing is
// released while another attempt of the same order is active or approved;
// the reservation rows belong to that attempt then.
func (s *PaymentService) ReleaseForTransaction(ctx context.Context, tx *models.Transaction) {
	if tx.OrderRef == nil {
		return
	}

	owner, err := s.reservationOwner(ctx, tx)
	if err != nil {
		s.logger.Error("Failed to check order attempts before release",
			zap.String("tx_id", tx.ID),
			zap.String("order_id", *tx.OrderRef),
			zap.Error(err))
		s.record(ctx, tx.ID, models.PaymentEventReleaseFailed, map[string]any{"error": err.Error()})
		return
	}
	if owner != nil {
		s.logger.Info("Inventory kept for a newer attempt",
			zap.String("tx_id", tx.ID),
			zap.String("owner_tx_id", owner.ID),
			zap.String("owner_status", string(owner.Status)))
		s.record(ctx, tx.ID, models.PaymentEventReleaseSkipped, map[string]any{
			"owner_tx_id":  owner.ID,
			"owner_status": owner.Status,
		})
		return
	}

	rows, err := s.inventory.ReleaseForOrder(ctx, *tx.OrderRef)
	if err != nil {
		s.logger.Error("Failed to release inventory",
			zap.String("tx_id", tx.ID),
			zap.String("order_id", *tx.OrderRef),
			zap.Error(err))
		s.record(ctx, tx.ID, models.PaymentEventReleaseFailed, map[string]any{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		return
	}

	released := make([]models.ReservationLine, len(rows))
	for i, r := range rows {
		released[i] = models.ReservationLine{SKU: r.SKU, Quantity: r.Quantity}
	}
	s.record(ctx, tx.ID, models.PaymentEventInventoryReleased, map[string]any{"lines": released})
}

// reservationOwner returns the other attempt of tx's order that now holds
// its reservations, or nil.
func (s *PaymentService) reservationOwner(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	orderID := *tx.OrderRef
	paid, err := s.ledger.ApprovedForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if paid != nil && paid.ID != tx.ID {
		return paid, nil
	}
	active, err := s.ledger.ActiveForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if active != nil && active.ID != tx.ID {
		return active, nil
	}
	return nil, nil
}

// Events lists the audit log of the transaction behind control.
func (s *PaymentService) Events(ctx context.Context, control string) ([]models.PaymentEvent, error) {
	tx, err := s.ledger.GetByControl(ctx, control)
	if err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, tx.ID)
}

// prepare validates the customer, loads the order and makes sure its
// inventory is reserved.
func (s *PaymentService) prepare(ctx context.Context, req *ChargeRequest) (gateway.Customer, *models.Order, error) {
	cust, err := s.gateway.NormalizeCustomer(req.ClientPhone, req.ClientIdentification, req.ClientBankCode)
	if err != nil {
		return gateway.Customer{}, nil, err
	}

	order, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return gateway.Customer{}, nil, err
	}
	paid, err := s.ledger.ApprovedForOrder(ctx, order.ID)
	if err != nil {
		return gateway.Customer{}, nil, err
	}
	if paid != nil {
		return gateway.Customer{}, nil, apperr.New(apperr.KindInvalidState, "ORDER_PAID",
			fmt.Sprintf("order %s was paid by transaction %s", order.ID, paid.ID))
	}

	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		return gateway.Customer{}, nil, err
	}

	lines := make([]models.ReservationLine, len(items))
	for i, it := range items {
		lines[i] = models.ReservationLine{SKU: it.SKU, Quantity: it.Quantity}
	}
	if _, err := s.inventory.ReserveForOrder(ctx, order.ID, lines); err != nil {
		return gateway.Customer{}, nil, err
	}
	return cust, order, nil
}

// reusable returns a still-pending pre-registration of the order, or nil.
func (s *PaymentService) reusable(ctx context.Context, orderID string, cust gateway.Customer) (*models.Transaction, error) {
	active, err := s.ledger.ActiveForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if active == nil || !active.IsPreRegistration || active.Status != models.StatusPending || s.ledger.IsStale(active) {
		return nil, nil
	}
	if active.ClientPhone != cust.Phone || active.ClientIdentification != cust.Identification || active.ClientBankCode != cust.BankCode {
		return nil, apperr.Validation("CUSTOMER_MISMATCH", "order %s was pre-registered for a different client", orderID)
	}
	return active, nil
}

// obtainControl pre-registers tx. A failed pre-registration closes tx as failed.
func (s *PaymentService) obtainControl(ctx context.Context, tx *models.Transaction) error {
	res, err := s.gateway.PreRegister(ctx)
	if err != nil {
		code := gateway.CodeCommunicationError
		if apperr.KindOf(err) == apperr.KindGatewayRejection {
			code = "PREREGISTER_REJECTED"
		}
		o := communicationOutcome(code, err.Error())
		o.CommunicationFailure = apperr.KindOf(err) == apperr.KindGatewayCommunication
		if _, serr := s.Settle(ctx, tx, o); serr != nil {
			s.logger.Error("Failed to close transaction after pre-registration error", zap.Error(serr))
		}
		return err
	}
	return s.ledger.AssignControl(ctx, tx, res.Control)
}

func (s *PaymentService) record(ctx context.Context, txID, eventType string, data any) {
	if err := appendEvent(ctx, s.events, txID, nil, eventType, data); err != nil {
		s.logger.Error("Failed to record payment event",
			zap.String("tx_id", txID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func responseFor(tx *models.Transaction, o *Outcome) *PaymentResponse {
	resp := &PaymentResponse{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID(),
		Control:       tx.ControlNumber(),
		Invoice:       tx.Invoice,
		Reference:     tx.Reference,
		Status:        tx.Status,
		AmountUSD:     tx.AmountUSD.StringFixed(2),
		AmountBs:      tx.AmountBs.StringFixed(2),
		Code:          tx.GatewayCode,
		Description:   tx.GatewayDescription,
		AuthID:        tx.AuthID,
		Voucher:       tx.VoucherText,
		Duplicate:     tx.Duplicate,
	}
	if o != nil {
		resp.VoucherLines = o.Voucher.Lines
		if resp.Voucher == "" {
			resp.Voucher = o.Voucher.Text
		}
	}
	return resp
}
