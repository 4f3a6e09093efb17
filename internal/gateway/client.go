package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/util"
	"p2c-service/internal/voucher"
)

const defaultChargeTimeout = 30 * time.Second

// Options configures the merchant side of every charge.
type Options struct {
	CommercePhone    string
	CommerceBankCode string
	ChargeTimeout    time.Duration
}

// Client validates input locally and then calls the processor through a
// Transport. It holds no per-request state and is shared process-wide.
type Client struct {
	transport Transport
	banks     *BankTable
	opts      Options
	logger    *zap.Logger
}

// NewClient creates the gateway facade
func NewClient(t Transport, banks *BankTable, opts Options, logger *zap.Logger) *Client {
	if opts.ChargeTimeout <= 0 {
		opts.ChargeTimeout = defaultChargeTimeout
	}
	return &Client{transport: t, banks: banks, opts: opts, logger: logger}
}

// NormalizeCustomer validates the client's phone, identification and bank.
func (c *Client) NormalizeCustomer(phone, identification, bankCode string) (Customer, error) {
	p, err := NormalizePhone(phone)
	if err != nil {
		return Customer{}, err
	}
	id, err := NormalizeIdentification(identification)
	if err != nil {
		return Customer{}, err
	}
	bank, err := c.banks.NormalizeCode(bankCode)
	if err != nil {
		return Customer{}, err
	}
	return Customer{Phone: p, Identification: id, BankCode: bank}, nil
}

// Banks exposes the bank table.
func (c *Client) Banks() *BankTable { return c.banks }

// PreRegister obtains a control number for the next charge.
func (c *Client) PreRegister(ctx context.Context) (*PreRegisterResult, error) {
	start := time.Now()
	res, err := c.transport.PreRegister(ctx)
	if err != nil {
		util.GatewayLatency.WithLabelValues("preregister", "error").Observe(time.Since(start).Seconds())
		return nil, apperr.Wrap(apperr.KindGatewayCommunication, CodeCommunicationError, err)
	}
	util.GatewayLatency.WithLabelValues("preregister", "ok").Observe(time.Since(start).Seconds())

	if !res.Success || res.Control == "" {
		return nil, apperr.New(apperr.KindGatewayRejection, "PREREGISTER_REJECTED", res.Description)
	}

	c.logger.Info("Control number issued", zap.String("control", res.Control))
	return res, nil
}

// ChargeInput is what the payment service hands to ChargeP2C.
type ChargeInput struct {
	Control   string
	Invoice   string
	AmountBs  decimal.Decimal
	Customer  Customer
	Reference string
}

// ChargeP2C runs the charge under the hard timeout. Transport failures
// never surface as errors: they come back as a failed result with a
// synthesized voucher. The returned error is only for input rejected
// before the network call.
func (c *Client) ChargeP2C(ctx context.Context, in ChargeInput) (*ChargeResult, error) {
	req, err := c.buildCharge(in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ChargeTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.transport.Charge(ctx, req)
	elapsed := time.Since(start).Seconds()

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded):
		util.GatewayLatency.WithLabelValues("charge", "timeout").Observe(elapsed)
		c.logger.Warn("Charge timed out",
			zap.String("control", req.Control),
			zap.Duration("timeout", c.opts.ChargeTimeout))
		return synthesizedFailure(req, CodeTimeout, voucher.ErrorTimeout,
			fmt.Sprintf("gateway did not answer within %s", c.opts.ChargeTimeout)), nil

	case err != nil:
		util.GatewayLatency.WithLabelValues("charge", "error").Observe(elapsed)
		c.logger.Error("Charge transport failed", zap.String("control", req.Control), zap.Error(err))
		return synthesizedFailure(req, CodeCommunicationError, voucher.ErrorCommunication, err.Error()), nil

	case res == nil:
		util.GatewayLatency.WithLabelValues("charge", "error").Observe(elapsed)
		return synthesizedFailure(req, CodeCommunicationError, voucher.ErrorCommunication, "empty gateway response"), nil
	}

	util.GatewayLatency.WithLabelValues("charge", "ok").Observe(elapsed)
	if res.Reference == "" {
		res.Reference = req.Reference
	}
	c.logger.Info("Charge answered",
		zap.String("control", req.Control),
		zap.Bool("success", res.Success),
		zap.String("code", res.Code))
	return res, nil
}

// QueryStatus asks the processor what happened to a control number.
func (c *Client) QueryStatus(ctx context.Context, control string) (*StatusResult, error) {
	if control == "" {
		return nil, apperr.Validation("INVALID_CONTROL", "control is required")
	}

	start := time.Now()
	res, err := c.transport.QueryStatus(ctx, control)
	if err != nil {
		util.GatewayLatency.WithLabelValues("status", "error").Observe(time.Since(start).Seconds())
		return nil, apperr.Wrap(apperr.KindGatewayCommunication, CodeCommunicationError, err)
	}
	util.GatewayLatency.WithLabelValues("status", "ok").Observe(time.Since(start).Seconds())

	switch res.State {
	case StatusApproved, StatusRejected, StatusPending:
	default:
		res.State = StatusPending
	}
	return res, nil
}

func (c *Client) buildCharge(in ChargeInput) (ChargeRequest, error) {
	if in.Control == "" {
		return ChargeRequest{}, apperr.Validation("INVALID_CONTROL", "control is required")
	}
	if in.Invoice == "" {
		return ChargeRequest{}, apperr.Validation("INVALID_INVOICE", "invoice is required")
	}
	amount, err := FormatAmount(in.AmountBs)
	if err != nil {
		return ChargeRequest{}, err
	}
	if err := ValidateReference(in.Reference); err != nil {
		return ChargeRequest{}, err
	}
	cust, err := c.NormalizeCustomer(in.Customer.Phone, in.Customer.Identification, in.Customer.BankCode)
	if err != nil {
		return ChargeRequest{}, err
	}

	return ChargeRequest{
		Control:              in.Control,
		Invoice:              in.Invoice,
		Amount:               amount,
		ClientIdentification: cust.Identification,
		ClientPhone:          cust.Phone,
		ClientBankCode:       cust.BankCode,
		CommercePhone:        c.opts.CommercePhone,
		CommerceBankCode:     c.opts.CommerceBankCode,
		Reference:            in.Reference,
	}, nil
}

func synthesizedFailure(req ChargeRequest, code string, marker voucher.ErrorType, description string) *ChargeResult {
	return &ChargeResult{
		Success:     false,
		Code:        code,
		Description: description,
		Reference:   req.Reference,
		Voucher: voucher.FromLines([]string{
			string(marker),
			description,
			"CONTROL: " + req.Control,
			"REFERENCIA: " + req.Reference,
			"MONTO: " + req.Amount,
		}),
		CommunicationFailure: true,
	}
}
