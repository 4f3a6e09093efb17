// Package testutil holds in-memory stand-ins for the service ports.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
)

// MemStore keeps every table in memory behind one mutex. Each method is
// the in-memory counterpart of a conditional SQL statement in store.
type MemStore struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction
	inventory    map[string]*models.InventoryItem
	orders       map[string]*models.Order
	items        map[string][]models.OrderItem
	reservations map[string]map[string]*models.OrderReservation
	fulfillment  map[string]*models.FulfillmentRecord
	events       []models.PaymentEvent
	itemSeq      int64
	now          func() time.Time
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{
		transactions: make(map[string]*models.Transaction),
		inventory:    make(map[string]*models.InventoryItem),
		orders:       make(map[string]*models.Order),
		items:        make(map[string][]models.OrderItem),
		reservations: make(map[string]map[string]*models.OrderReservation),
		fulfillment:  make(map[string]*models.FulfillmentRecord),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutInventory inserts or replaces a SKU row.
func (m *MemStore) PutInventory(item models.InventoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.UpdatedAt = m.now()
	m.inventory[item.SKU] = &item
}

// PutTransaction inserts or replaces a transaction row as is.
func (m *MemStore) PutTransaction(t models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	m.transactions[t.ID] = &t
}

// Events returns a copy of the audit log of txID.
func (m *MemStore) Events(txID string) []models.PaymentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentEvent
	for _, e := range m.events {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out
}

// CountEvents counts eventType entries of txID.
func (m *MemStore) CountEvents(txID, eventType string) int {
	n := 0
	for _, e := range m.Events(txID) {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// FulfillmentCount returns how many fulfillment records exist.
func (m *MemStore) FulfillmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fulfillment)
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, apperr.NotFound)
}

func isActive(s models.Status) bool {
	return s == models.StatusPending || s == models.StatusProcessing
}

// transactions

func (m *MemStore) CreatePendingTransaction(_ context.Context, t *models.Transaction, staleBefore time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []models.Transaction
	if t.OrderRef != nil {
		var active []*models.Transaction
		for _, row := range m.transactions {
			if row.OrderRef != nil && *row.OrderRef == *t.OrderRef && isActive(row.Status) {
				if row.CreatedAt.After(staleBefore) {
					return nil, fmt.Errorf("order %s transaction %s: %w", *t.OrderRef, row.ID, apperr.ActiveTransaction)
				}
				active = append(active, row)
			}
		}
		for _, row := range active {
			row.Status = models.StatusExpired
			row.UpdatedAt = m.now()
			expired = append(expired, *row)
		}
	}

	if _, ok := m.transactions[t.ID]; ok {
		return nil, fmt.Errorf("duplicate transaction id %s", t.ID)
	}
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.transactions[t.ID] = &cp
	return expired, nil
}

func (m *MemStore) AssignControl(_ context.Context, id, control string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return notFound("transaction", id)
	}
	if t.Control == nil {
		for _, other := range m.transactions {
			if other.Control != nil && *other.Control == control {
				return fmt.Errorf("control %s already in use", control)
			}
		}
		c := control
		t.Control = &c
		t.UpdatedAt = m.now()
		return nil
	}
	if *t.Control == control {
		return nil
	}
	return apperr.New(apperr.KindInvalidState, "CONTROL_IMMUTABLE",
		fmt.Sprintf("transaction %s already has control %s", id, *t.Control))
}

func (m *MemStore) TransitionStatus(_ context.Context, id string, from []models.Status, to models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.UpdatedAt = m.now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) FinalizeTransaction(_ context.Context, id string, f models.Finalization) (bool, error) {
	if !f.Status.IsTerminal() {
		return false, apperr.New(apperr.KindInvalidState, "NOT_TERMINAL", string(f.Status)+" is not terminal")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok || !isActive(t.Status) {
		return false, nil
	}
	t.Status = f.Status
	t.GatewayCode = f.GatewayCode
	t.GatewayDescription = f.Description
	t.VoucherText = f.VoucherText
	t.AuthID = f.AuthID
	t.Terminal = f.Terminal
	t.Lot = f.Lot
	t.SeqNum = f.SeqNum
	t.Duplicate = f.Duplicate
	at := f.ProcessedAt
	t.ProcessedAt = &at
	t.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) ExpireStaleTransactions(_ context.Context, before time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Transaction
	for _, t := range m.transactions {
		if isActive(t.Status) && t.CreatedAt.Before(before) {
			t.Status = models.StatusExpired
			t.UpdatedAt = m.now()
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *MemStore) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, notFound("transaction", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) GetTransactionByControl(_ context.Context, control string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transactions {
		if t.Control != nil && *t.Control == control {
			cp := *t
			return &cp, nil
		}
	}
	return nil, notFound("transaction", control)
}

func (m *MemStore) GetActiveTransactionForOrder(_ context.Context, orderID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *models.Transaction
	for _, t := range m.transactions {
		if t.OrderRef == nil || *t.OrderRef != orderID || !isActive(t.Status) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *MemStore) GetApprovedTransactionForOrder(_ context.Context, orderID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transactions {
		if t.OrderRef != nil && *t.OrderRef == orderID && t.Status == models.StatusApproved {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ListTransactionsByStatus(_ context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Transaction
	for _, t := range m.transactions {
		if t.Status == status && t.CreatedAt.Before(olderThan) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ListApprovedWithoutEvent(_ context.Context, eventType string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Transaction
	for _, t := range m.transactions {
		if t.Status != models.StatusApproved || m.hasEvent(t.ID, eventType) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inventory

func (m *MemStore) GetInventoryItem(_ context.Context, sku string) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.inventory[sku]
	if !ok {
		return nil, notFound("inventory item", sku)
	}
	cp := *item
	return &cp, nil
}

func (m *MemStore) ListInventoryItems(_ context.Context) ([]models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.InventoryItem, 0, len(m.inventory))
	for _, item := range m.inventory {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (m *MemStore) ReserveStock(_ context.Context, sku string, qty int) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserve(sku, qty)
}

func (m *MemStore) ReleaseStock(_ context.Context, sku string, qty int) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move("release", sku, qty)
}

func (m *MemStore) CommitStock(_ context.Context, sku string, qty int) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move("commit", sku, qty)
}

func (m *MemStore) reserve(sku string, qty int) (*models.InventoryItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("INVALID_QUANTITY", "quantity must be positive, got %d", qty)
	}
	item, ok := m.inventory[sku]
	if !ok {
		return nil, notFound("inventory item", sku)
	}
	if item.Available() < qty {
		return nil, &apperr.InsufficientInventoryError{SKU: sku, Requested: qty, Available: item.Available()}
	}
	item.Reserved += qty
	item.UpdatedAt = m.now()
	cp := *item
	return &cp, nil
}

func (m *MemStore) move(op, sku string, qty int) (*models.InventoryItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("INVALID_QUANTITY", "quantity must be positive, got %d", qty)
	}
	item, ok := m.inventory[sku]
	if !ok {
		return nil, notFound("inventory item", sku)
	}
	if item.Reserved < qty {
		return nil, &apperr.UnderflowError{SKU: sku, Op: op, Quantity: qty}
	}
	item.Reserved -= qty
	if op == "commit" {
		item.Assigned += qty
	}
	item.UpdatedAt = m.now()
	cp := *item
	return &cp, nil
}

func (m *MemStore) GetReservations(_ context.Context, orderID string) ([]models.OrderReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedReservations(orderID), nil
}

func (m *MemStore) ReserveForOrder(_ context.Context, orderID string, lines []models.ReservationLine) ([]models.OrderReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[orderID]; !ok {
		return nil, notFound("order", orderID)
	}
	existing := m.reservations[orderID]

	var todo []models.ReservationLine
	for _, l := range lines {
		if prev, ok := existing[l.SKU]; ok && prev.Status != models.ReservationReleased {
			continue
		}
		todo = append(todo, l)
	}

	// all or nothing: check every line before touching a counter
	need := make(map[string]int)
	for _, l := range todo {
		if l.Quantity <= 0 {
			return nil, apperr.Validation("INVALID_QUANTITY", "quantity must be positive, got %d", l.Quantity)
		}
		item, ok := m.inventory[l.SKU]
		if !ok {
			return nil, notFound("inventory item", l.SKU)
		}
		need[l.SKU] += l.Quantity
		if item.Available() < need[l.SKU] {
			return nil, &apperr.InsufficientInventoryError{SKU: l.SKU, Requested: l.Quantity, Available: item.Available()}
		}
	}

	if existing == nil {
		existing = make(map[string]*models.OrderReservation)
		m.reservations[orderID] = existing
	}
	var out []models.OrderReservation
	for _, l := range todo {
		if _, err := m.reserve(l.SKU, l.Quantity); err != nil {
			return nil, err
		}
		now := m.now()
		row, ok := existing[l.SKU]
		if !ok {
			row = &models.OrderReservation{OrderID: orderID, SKU: l.SKU, CreatedAt: now}
			existing[l.SKU] = row
		}
		row.Quantity = l.Quantity
		row.Status = models.ReservationReserved
		row.UpdatedAt = now
		out = append(out, *row)
	}
	return out, nil
}

func (m *MemStore) ReleaseForOrder(_ context.Context, orderID string) ([]models.OrderReservation, error) {
	return m.settle(orderID, "release", models.ReservationReleased)
}

func (m *MemStore) CommitForOrder(_ context.Context, orderID string) ([]models.OrderReservation, error) {
	return m.settle(orderID, "commit", models.ReservationCommitted)
}

func (m *MemStore) settle(orderID, op, status string) ([]models.OrderReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[orderID]; !ok {
		return nil, notFound("order", orderID)
	}

	rows := m.reservations[orderID]
	for _, r := range rows {
		if op == "commit" && r.Status == models.ReservationReleased {
			return nil, &apperr.UnderflowError{SKU: r.SKU, Op: op, Quantity: r.Quantity}
		}
		if r.Status != models.ReservationReserved {
			continue
		}
		item, ok := m.inventory[r.SKU]
		if !ok {
			return nil, notFound("inventory item", r.SKU)
		}
		if item.Reserved < r.Quantity {
			return nil, &apperr.UnderflowError{SKU: r.SKU, Op: op, Quantity: r.Quantity}
		}
	}

	var out []models.OrderReservation
	for _, r := range m.sortedReservations(orderID) {
		if r.Status != models.ReservationReserved {
			continue
		}
		if _, err := m.move(op, r.SKU, r.Quantity); err != nil {
			return nil, err
		}
		row := rows[r.SKU]
		row.Status = status
		row.UpdatedAt = m.now()
		out = append(out, *row)
	}
	return out, nil
}

func (m *MemStore) RecalculateReserved(_ context.Context, sku string, staleBefore time.Time) (*models.InventoryItem, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.inventory[sku]
	if !ok {
		return nil, 0, notFound("inventory item", sku)
	}

	held, orphaned := 0, 0
	for orderID, rows := range m.reservations {
		r, ok := rows[sku]
		if !ok || r.Status != models.ReservationReserved {
			continue
		}
		if r.CreatedAt.Before(staleBefore) && !m.orderHasLiveTransaction(orderID) {
			r.Status = models.ReservationReleased
			r.UpdatedAt = m.now()
			orphaned++
			continue
		}
		held += r.Quantity
	}
	if held+item.Assigned > item.Stock {
		return nil, 0, &apperr.UnderflowError{SKU: sku, Op: "recalculate", Quantity: held}
	}
	item.Reserved = held
	item.UpdatedAt = m.now()
	cp := *item
	return &cp, orphaned, nil
}

func (m *MemStore) orderHasLiveTransaction(orderID string) bool {
	for _, t := range m.transactions {
		if t.OrderRef != nil && *t.OrderRef == orderID &&
			(isActive(t.Status) || t.Status == models.StatusApproved) {
			return true
		}
	}
	return false
}

func (m *MemStore) sortedReservations(orderID string) []models.OrderReservation {
	rows := m.reservations[orderID]
	out := make([]models.OrderReservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// orders

func (m *MemStore) CreateOrder(_ context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("duplicate order id %s", order.ID)
	}
	if order.IdempotencyKey != "" {
		for _, o := range m.orders {
			if o.IdempotencyKey == order.IdempotencyKey {
				return fmt.Errorf("duplicate idempotency key %s", order.IdempotencyKey)
			}
		}
	}

	order.CreatedAt = m.now()
	cp := *order
	m.orders[order.ID] = &cp

	stored := make([]models.OrderItem, len(items))
	for i := range items {
		m.itemSeq++
		items[i].ID = m.itemSeq
		items[i].OrderID = order.ID
		if len(items[i].Details) == 0 {
			items[i].Details = []byte("[]")
		}
		stored[i] = items[i]
	}
	m.items[order.ID] = stored
	return nil
}

func (m *MemStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	cp := *o
	return &cp, nil
}

func (m *MemStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if key != "" && o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) GetOrderItems(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.OrderItem, len(m.items[orderID]))
	copy(out, m.items[orderID])
	return out, nil
}

// fulfillment

func (m *MemStore) CreateFulfillmentIfAbsent(_ context.Context, rec *models.FulfillmentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.fulfillment[rec.PaymentTransactionID]; ok {
		*rec = *existing
		return false, nil
	}
	rec.CreatedAt = m.now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.fulfillment[rec.PaymentTransactionID] = &cp
	return true, nil
}

func (m *MemStore) GetFulfillmentByTransaction(_ context.Context, txID string) (*models.FulfillmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.fulfillment[txID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) UpdateFulfillmentStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.fulfillment {
		if rec.ID == id {
			rec.FulfillmentStatus = status
			rec.UpdatedAt = m.now()
			return nil
		}
	}
	return notFound("fulfillment", id)
}

// events

func (m *MemStore) AppendEvent(_ context.Context, e *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(e.EventData) == 0 {
		e.EventData = []byte("{}")
	}
	e.ID = int64(len(m.events) + 1)
	e.CreatedAt = m.now()
	m.events = append(m.events, *e)
	return nil
}

func (m *MemStore) ListEvents(_ context.Context, txID string) ([]models.PaymentEvent, error) {
	return m.Events(txID), nil
}

func (m *MemStore) HasEvent(_ context.Context, txID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasEvent(txID, eventType), nil
}

func (m *MemStore) hasEvent(txID, eventType string) bool {
	for _, e := range m.events {
		if e.TransactionID == txID && e.EventType == eventType {
			return true
		}
	}
	return false
}
