package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"p2c-service/internal/voucher"
)

// HTTPTransport speaks the processor's JSON API.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type wireCharge struct {
	Success     bool            `json:"success"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	AuthID      string          `json:"authId"`
	Terminal    string          `json:"terminal"`
	Lot         string          `json:"lot"`
	SeqNum      string          `json:"seqnum"`
	Reference   string          `json:"reference"`
	Voucher     json.RawMessage `json:"voucher"`
}

type wireStatus struct {
	Estado      string `json:"estado"`
	Codigo      string `json:"codigo"`
	Descripcion string `json:"descripcion"`
	Referencia  string `json:"referencia"`
	AuthID      string `json:"authid"`
}

// NewHTTPTransport creates a transport. requestTimeout bounds the
// non-charge calls; the charge timeout is applied by Client via ctx.
func NewHTTPTransport(baseURL, apiKey string, requestTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout + defaultChargeTimeout},
	}
}

// PreRegister calls POST /preregister
func (t *HTTPTransport) PreRegister(ctx context.Context) (*PreRegisterResult, error) {
	var res PreRegisterResult
	if err := t.do(ctx, http.MethodPost, "/preregister", struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Charge calls POST /charge
func (t *HTTPTransport) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var w wireCharge
	if err := t.do(ctx, http.MethodPost, "/charge", req, &w); err != nil {
		return nil, err
	}
	return &ChargeResult{
		Success:     w.Success,
		Code:        w.Code,
		Description: w.Description,
		AuthID:      w.AuthID,
		Terminal:    w.Terminal,
		Lot:         w.Lot,
		SeqNum:      w.SeqNum,
		Reference:   w.Reference,
		Voucher:     voucher.Parse(w.Voucher),
	}, nil
}

// QueryStatus calls GET /status/{control}
func (t *HTTPTransport) QueryStatus(ctx context.Context, control string) (*StatusResult, error) {
	var w wireStatus
	if err := t.do(ctx, http.MethodGet, "/status/"+url.PathEscape(control), nil, &w); err != nil {
		return nil, err
	}
	return &StatusResult{
		State:       StateFromWire(w.Estado),
		Code:        w.Codigo,
		Description: w.Descripcion,
		Reference:   w.Referencia,
		AuthID:      w.AuthID,
	}, nil
}

// StateFromWire maps the processor's A/R flags.
func StateFromWire(estado string) StatusState {
	switch strings.ToUpper(strings.TrimSpace(estado)) {
	case "A":
		return StatusApproved
	case "R":
		return StatusRejected
	default:
		return StatusPending
	}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
