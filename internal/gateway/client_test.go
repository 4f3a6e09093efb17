package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/voucher"
)

type stubTransport struct {
	charges int32
	charge  func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

func (s *stubTransport) PreRegister(ctx context.Context) (*PreRegisterResult, error) {
	return &PreRegisterResult{Success: true, Control: "CTRL-1"}, nil
}

func (s *stubTransport) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	atomic.AddInt32(&s.charges, 1)
	return s.charge(ctx, req)
}

func (s *stubTransport) QueryStatus(ctx context.Context, control string) (*StatusResult, error) {
	return &StatusResult{State: "weird"}, nil
}

func newTestClient(t *testing.T, tr Transport, timeout time.Duration) *Client {
	t.Helper()
	banks, err := LoadBanks("")
	require.NoError(t, err)
	return NewClient(tr, banks, Options{
		CommercePhone:    "04120000000",
		CommerceBankCode: "0102",
		ChargeTimeout:    timeout,
	}, zap.NewNop())
}

func validInput() ChargeInput {
	return ChargeInput{
		Control:   "CTRL-1",
		Invoice:   "INV-1",
		AmountBs:  decimal.RequireFromString("365.5"),
		Reference: "1234567890",
		Customer: Customer{
			Phone:          "0414-1234567",
			Identification: "12345678",
			BankCode:       "0134",
		},
	}
}

func TestChargeP2CNormalizesRequest(t *testing.T) {
	var got ChargeRequest
	tr := &stubTransport{charge: func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		got = req
		return &ChargeResult{Success: true, Code: CodeApproved}, nil
	}}
	c := newTestClient(t, tr, time.Second)

	res, err := c.ChargeP2C(context.Background(), validInput())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "1234567890", res.Reference)
	assert.Equal(t, "365.50", got.Amount)
	assert.Equal(t, "04141234567", got.ClientPhone)
	assert.Equal(t, "V12345678", got.ClientIdentification)
	assert.Equal(t, "0134", got.ClientBankCode)
	assert.Equal(t, "04120000000", got.CommercePhone)
}

func TestChargeP2CRejectsUnknownBankWithoutNetwork(t *testing.T) {
	tr := &stubTransport{charge: func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return &ChargeResult{Success: true, Code: CodeApproved}, nil
	}}
	c := newTestClient(t, tr, time.Second)

	in := validInput()
	in.Customer.BankCode = "0999"

	_, err := c.ChargeP2C(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.charges))
}

func TestChargeP2CTimeoutSynthesizesFailure(t *testing.T) {
	tr := &stubTransport{charge: func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := newTestClient(t, tr, 20*time.Millisecond)

	res, err := c.ChargeP2C(context.Background(), validInput())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, CodeTimeout, res.Code)
	assert.True(t, res.CommunicationFailure)
	assert.Contains(t, res.Voucher.Text, "CTRL-1")

	a := voucher.Analyze(res.Voucher)
	assert.True(t, a.IsError)
	assert.Equal(t, voucher.ErrorTimeout, a.ErrorType)
}

func TestChargeP2CTransportErrorSynthesizesFailure(t *testing.T) {
	tr := &stubTransport{charge: func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return nil, errors.New("connection refused")
	}}
	c := newTestClient(t, tr, time.Second)

	res, err := c.ChargeP2C(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, CodeCommunicationError, res.Code)
	assert.Contains(t, res.Description, "connection refused")
}

func TestQueryStatusUnknownStateIsPending(t *testing.T) {
	c := newTestClient(t, &stubTransport{}, time.Second)

	res, err := c.QueryStatus(context.Background(), "CTRL-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.State)

	_, err = c.QueryStatus(context.Background(), "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/preregister":
			_, _ = io.WriteString(w, `{"success":true,"control":"C-77","description":"ok"}`)
		case "/charge":
			var req ChargeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "C-77", req.Control)
			_, _ = io.WriteString(w, `{"success":true,"code":"00","authId":"A1","voucher":["APROBADO","ERROR_DE_","TRANSACCION"]}`)
		case "/status/C-77":
			_, _ = io.WriteString(w, `{"estado":"A","codigo":"00","referencia":"1234567890","authid":"A1"}`)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", "key", time.Second)
	ctx := context.Background()

	pre, err := tr.PreRegister(ctx)
	require.NoError(t, err)
	assert.Equal(t, "C-77", pre.Control)

	res, err := tr.Charge(ctx, ChargeRequest{Control: "C-77"})
	require.NoError(t, err)
	assert.Equal(t, []string{"APROBADO", "ERROR_DE_", "TRANSACCION"}, res.Voucher.Lines)
	assert.True(t, voucher.Analyze(res.Voucher).IsError)

	st, err := tr.QueryStatus(ctx, "C-77")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st.State)
	assert.Equal(t, "A1", st.AuthID)

	_, err = tr.QueryStatus(ctx, "missing")
	assert.Error(t, err)
}

func TestStateFromWire(t *testing.T) {
	assert.Equal(t, StatusApproved, StateFromWire("a"))
	assert.Equal(t, StatusRejected, StateFromWire("R"))
	assert.Equal(t, StatusPending, StateFromWire(""))
}
