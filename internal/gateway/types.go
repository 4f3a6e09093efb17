// Package gateway is the client side of the P2C payment processor.
// The processor is an opaque remote procedure with three calls:
// pre-register, charge and query-status.
package gateway

import (
	"context"

	"p2c-service/internal/voucher"
)

// Response codes used by the processor and the ones synthesized locally.
const (
	CodeApproved           = "00"
	CodeTimeout            = "TIMEOUT"
	CodeCommunicationError = "COMMUNICATION_ERROR"
)

// Transport performs the wire calls. Implementations must honour ctx.
type Transport interface {
	PreRegister(ctx context.Context) (*PreRegisterResult, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	QueryStatus(ctx context.Context, control string) (*StatusResult, error)
}

// PreRegisterResult carries the control number issued by the processor.
type PreRegisterResult struct {
	Success     bool   `json:"success"`
	Control     string `json:"control"`
	Description string `json:"description"`
}

// ChargeRequest is the normalized charge payload. Amount is a 2-decimal
// fixed string in bolivars.
type ChargeRequest struct {
	Control              string `json:"control"`
	Invoice              string `json:"invoice"`
	Amount               string `json:"amount"`
	ClientIdentification string `json:"clientIdentification"`
	ClientPhone          string `json:"clientPhone"`
	ClientBankCode       string `json:"clientBankCode"`
	CommercePhone        string `json:"commercePhone"`
	CommerceBankCode     string `json:"commerceBankCode"`
	Reference            string `json:"reference"`
}

// ChargeResult is the processor's answer with the voucher already in
// canonical form.
type ChargeResult struct {
	Success     bool            `json:"success"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	AuthID      string          `json:"authId"`
	Terminal    string          `json:"terminal"`
	Lot         string          `json:"lot"`
	SeqNum      string          `json:"seqnum"`
	Reference   string          `json:"reference"`
	Voucher     voucher.Voucher `json:"voucher"`

	// CommunicationFailure is set when the result was synthesized locally
	// because the call timed out or the transport failed.
	CommunicationFailure bool `json:"-"`
}

// StatusState is the processor's view of a charge.
type StatusState string

const (
	StatusApproved StatusState = "approved"
	StatusRejected StatusState = "rejected"
	StatusPending  StatusState = "pending"
)

// StatusResult is returned by QueryStatus.
type StatusResult struct {
	State       StatusState `json:"state"`
	Code        string      `json:"code"`
	Description string      `json:"description"`
	Reference   string      `json:"reference"`
	AuthID      string      `json:"authId"`
}

// Customer holds the paying client's normalized identity.
type Customer struct {
	Phone          string
	Identification string
	BankCode       string
}
