package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"p2c-service/internal/gateway"
	"p2c-service/internal/models"
	"p2c-service/internal/voucher"
)

// FakeTransport is a scripted processor. ChargeFunc and StatusFunc default
// to an approval when nil.
type FakeTransport struct {
	ChargeFunc func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	StatusFunc func(ctx context.Context, control string) (*gateway.StatusResult, error)
	PreRegErr  error

	controls int64
	charges  int64
	queries  int64

	mu       sync.Mutex
	requests []gateway.ChargeRequest
}

// Approved is a clean approval result.
func Approved(req gateway.ChargeRequest) *gateway.ChargeResult {
	return &gateway.ChargeResult{
		Success:     true,
		Code:        gateway.CodeApproved,
		Description: "APROBADA",
		AuthID:      "AUTH-" + req.Control,
		Terminal:    "T01",
		Lot:         "001",
		SeqNum:      "0001",
		Reference:   req.Reference,
		Voucher:     voucher.FromLines([]string{"BANCO DE PRUEBA", "APROBADA", "REF " + req.Reference}),
	}
}

func (f *FakeTransport) PreRegister(context.Context) (*gateway.PreRegisterResult, error) {
	if f.PreRegErr != nil {
		return nil, f.PreRegErr
	}
	n := atomic.AddInt64(&f.controls, 1)
	return &gateway.PreRegisterResult{Success: true, Control: fmt.Sprintf("CTRL-%04d", n)}, nil
}

func (f *FakeTransport) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	atomic.AddInt64(&f.charges, 1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.ChargeFunc != nil {
		return f.ChargeFunc(ctx, req)
	}
	return Approved(req), nil
}

func (f *FakeTransport) QueryStatus(ctx context.Context, control string) (*gateway.StatusResult, error) {
	atomic.AddInt64(&f.queries, 1)
	if f.StatusFunc != nil {
		return f.StatusFunc(ctx, control)
	}
	return &gateway.StatusResult{State: gateway.StatusApproved, Code: gateway.CodeApproved}, nil
}

// Charges is how many charges reached the transport.
func (f *FakeTransport) Charges() int { return int(atomic.LoadInt64(&f.charges)) }

// Queries is how many status queries reached the transport.
func (f *FakeTransport) Queries() int { return int(atomic.LoadInt64(&f.queries)) }

// Requests returns the charge payloads seen so far.
func (f *FakeTransport) Requests() []gateway.ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), f.requests...)
}

// Notification is one recorded EnqueueConfirmation call.
type Notification struct {
	FulfillmentID string
	Metadata      map[string]string
	Options       models.NotifyOptions
}

// FakeNotifier records confirmations. Err, when set, fails every call.
type FakeNotifier struct {
	mu   sync.Mutex
	Err  error
	sent []Notification
}

func (n *FakeNotifier) EnqueueConfirmation(_ context.Context, fulfillmentID string, metadata map[string]string, opts models.NotifyOptions) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, Notification{FulfillmentID: fulfillmentID, Metadata: metadata, Options: opts})
	return nil
}

// Sent returns the recorded confirmations.
func (n *FakeNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// FakePublisher records published events by type.
type FakePublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *FakePublisher) PublishPaymentApproved(_ context.Context, e *models.PaymentApprovedEvent) error {
	return p.add(e)
}

func (p *FakePublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	return p.add(e)
}

func (p *FakePublisher) PublishPaymentExpired(_ context.Context, e *models.PaymentExpiredEvent) error {
	return p.add(e)
}

func (p *FakePublisher) PublishPaymentLateApproval(_ context.Context, e *models.PaymentLateApprovalEvent) error {
	return p.add(e)
}

func (p *FakePublisher) PublishFulfillmentCompleted(_ context.Context, e *models.FulfillmentCompletedEvent) error {
	return p.add(e)
}

func (p *FakePublisher) add(e any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Count returns how many events of type T were published.
func Count[T any](p *FakePublisher) int {
	return len(Events[T](p))
}

// Events returns the published events of type T in publish order.
func Events[T any](p *FakePublisher) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []T
	for _, e := range p.events {
		if ev, ok := e.(T); ok {
			out = append(out, ev)
		}
	}
	return out
}

// FakeGuard is an in-memory lock and marker set. Expiry is not modelled.
type FakeGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewFakeGuard creates an empty guard
func NewFakeGuard() *FakeGuard {
	return &FakeGuard{keys: make(map[string]struct{})}
}

func (g *FakeGuard) set(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *FakeGuard) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	return g.set("lock:" + key), nil
}

func (g *FakeGuard) ReleaseLock(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, "lock:"+key)
	return nil
}

func (g *FakeGuard) MarkProcessed(_ context.Context, key string, _ time.Duration) (bool, error) {
	return g.set("idempotency:" + key), nil
}

func (g *FakeGuard) ClearProcessed(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, "idempotency:"+key)
	return nil
}

// RecordingDispatcher remembers approvals instead of running a pipeline.
type RecordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *RecordingDispatcher) DispatchApproval(_ context.Context, tx *models.Transaction, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, tx.ID)
	return nil
}

// Dispatched returns the transaction ids handed over so far.
func (d *RecordingDispatcher) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}
