package service

import (
	"encoding/json"
	"time"

	"p2c-service/internal/apperr"
	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/voucher"
)

// Settlement sources
const (
	SourceCharge  = "charge"
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceRepair  = "repair"
)

// Outcome is a gateway answer reduced to what finalization needs. All three
// trigger points (charge, webhook, poll) produce one.
type Outcome struct {
	Approved             bool
	Code                 string
	Description          string
	AuthID               string
	Terminal             string
	Lot                  string
	SeqNum               string
	Voucher              voucher.Voucher
	Analysis             voucher.Analysis
	CommunicationFailure bool
	Source               string
}

// IsApproved is the approval rule: nominal success, code 00 and a clean voucher.
func IsApproved(res *gateway.ChargeResult, a voucher.Analysis) bool {
	return res.Success && res.Code == gateway.CodeApproved && !a.IsError
}

// OutcomeFromCharge classifies a charge result.
func OutcomeFromCharge(res *gateway.ChargeResult) Outcome {
	a := voucher.Analyze(res.Voucher)
	return Outcome{
		Approved:             IsApproved(res, a),
		Code:                 res.Code,
		Description:          res.Description,
		AuthID:               res.AuthID,
		Terminal:             res.Terminal,
		Lot:                  res.Lot,
		SeqNum:               res.SeqNum,
		Voucher:              res.Voucher,
		Analysis:             a,
		CommunicationFailure: res.CommunicationFailure,
		Source:               SourceCharge,
	}
}

// OutcomeFromStatus classifies an asynchronous report. An approved state
// still needs code 00 when the processor sends one.
func OutcomeFromStatus(st *gateway.StatusResult, source string) Outcome {
	code := st.Code
	if code == "" && st.State == gateway.StatusApproved {
		code = gateway.CodeApproved
	}
	desc := st.Description
	if desc == "" {
		desc = string(st.State)
	}
	return Outcome{
		Approved:    st.State == gateway.StatusApproved && code == gateway.CodeApproved,
		Code:        code,
		Description: desc,
		AuthID:      st.AuthID,
		Source:      source,
	}
}

// communicationOutcome is used when a call fails before the charge is sent.
func communicationOutcome(code, description string) Outcome {
	v := voucher.FromLines([]string{string(voucher.ErrorCommunication), description})
	return Outcome{
		Code:                 code,
		Description:          description,
		Voucher:              v,
		Analysis:             voucher.Analyze(v),
		CommunicationFailure: true,
		Source:               SourceCharge,
	}
}

// Status is the terminal status this outcome maps to.
func (o Outcome) Status() models.Status {
	if o.Approved {
		return models.StatusApproved
	}
	return models.StatusFailed
}

func (o Outcome) finalization(at time.Time) models.Finalization {
	return models.Finalization{
		Status:      o.Status(),
		GatewayCode: o.Code,
		Description: o.Description,
		VoucherText: o.Voucher.Text,
		AuthID:      o.AuthID,
		Terminal:    o.Terminal,
		Lot:         o.Lot,
		SeqNum:      o.SeqNum,
		Duplicate:   o.Analysis.Duplicate,
		ProcessedAt: at,
	}
}

// Err is the typed payment error for a non-approved outcome, carrying the
// raw voucher.
func (o Outcome) Err() error {
	if o.Approved {
		return nil
	}

	e := &apperr.Error{Code: o.Code, Message: o.Description, Voucher: o.Voucher.Text}
	switch {
	case o.CommunicationFailure:
		e.Kind = apperr.KindGatewayCommunication
	case o.Analysis.IsError:
		e.Kind = apperr.KindVoucherEmbeddedError
		e.Code = string(o.Analysis.ErrorType)
		if e.Message == "" {
			e.Message = "voucher reports " + o.Analysis.Marker
		}
	default:
		e.Kind = apperr.KindGatewayRejection
	}
	if e.Message == "" {
		e.Message = "payment rejected with code " + o.Code
	}
	return e
}

// reason is the metrics label for a failure
func (o Outcome) reason() string {
	switch {
	case o.Approved:
		return ""
	case o.Code == gateway.CodeTimeout:
		return "timeout"
	case o.CommunicationFailure:
		return "communication"
	case o.Analysis.IsError:
		return "voucher_error"
	default:
		return "rejected"
	}
}

func (o Outcome) eventData() map[string]any {
	d := map[string]any{
		"code":        o.Code,
		"description": o.Description,
		"source":      o.Source,
		"duplicate":   o.Analysis.Duplicate,
	}
	if o.Analysis.IsError {
		d["voucher_error"] = o.Analysis.ErrorType
	}
	if o.CommunicationFailure {
		d["communication_failure"] = true
	}
	return d
}

func marshalEventData(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
