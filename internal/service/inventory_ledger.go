package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// InventoryLedger moves units between free, reserved and assigned. Postgres
// is authoritative; the optional mirror only serves reads.
type InventoryLedger struct {
	store      InventoryStore
	mirror     InventoryMirror
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewInventoryLedger creates a ledger. mirror may be nil. staleAfter bounds
// how long an unpaid reservation survives Recalculate.
func NewInventoryLedger(store InventoryStore, mirror InventoryMirror, staleAfter time.Duration) *InventoryLedger {
	return &InventoryLedger{
		store:      store,
		mirror:     mirror,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     util.GetLogger().Named("inventory"),
	}
}

// CheckAvailability reports whether qty units of sku are free.
func (l *InventoryLedger) CheckAvailability(ctx context.Context, sku string, qty int) (bool, error) {
	if qty < 0 {
		return false, apperr.Validation("INVALID_QUANTITY", "quantity must not be negative, got %d", qty)
	}

	if l.mirror != nil {
		avail, ok, err := l.mirror.Available(ctx, sku)
		if err != nil {
			l.logger.Warn("Inventory mirror read failed", zap.String("sku", sku), zap.Error(err))
		} else if ok {
			return avail >= qty, nil
		}
	}

	item, err := l.store.GetInventoryItem(ctx, sku)
	if err != nil {
		return false, err
	}
	return item.Available() >= qty, nil
}

// Get returns the ledger row of sku.
func (l *InventoryLedger) Get(ctx context.Context, sku string) (*models.InventoryItem, error) {
	return l.store.GetInventoryItem(ctx, sku)
}

// Reservations lists the reservation rows held by an order.
func (l *InventoryLedger) Reservations(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	return l.store.GetReservations(ctx, orderID)
}

// Reserve increments reserved, failing with InsufficientInventoryError past capacity.
func (l *InventoryLedger) Reserve(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	start := time.Now()
	defer func() { util.InventoryReserveLatency.Observe(time.Since(start).Seconds()) }()

	item, err := l.store.ReserveStock(ctx, sku, qty)
	l.observe("reserve", err)
	if err != nil {
		return nil, err
	}
	l.mirrorMove(ctx, "reserve", sku, qty, item)
	return item, nil
}

// Release returns reserved units to the free pool. Releasing more than is
// reserved is rejected with an UnderflowError.
func (l *InventoryLedger) Release(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	item, err := l.store.ReleaseStock(ctx, sku, qty)
	l.observe("release", err)
	if err != nil {
		return nil, err
	}
	l.mirrorMove(ctx, "release", sku, qty, item)
	return item, nil
}

// Commit transfers qty from reserved to assigned. Stock is unchanged.
func (l *InventoryLedger) Commit(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	item, err := l.store.CommitStock(ctx, sku, qty)
	l.observe("commit", err)
	if err != nil {
		return nil, err
	}
	l.mirrorMove(ctx, "commit", sku, qty, item)
	return item, nil
}

// ReserveForOrder reserves all lines of an order or none. Calling it again
// for the same order reserves nothing new.
func (l *InventoryLedger) ReserveForOrder(ctx context.Context, orderID string, lines []models.ReservationLine) ([]models.OrderReservation, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ReserveForOrder", "order_id", orderID)
	defer span.End()

	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := l.store.ReserveForOrder(ctx, orderID, merged)
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	l.observe("reserve_order", err)
	if err != nil {
		l.logger.Info("Order reservation refused", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	for _, r := range rows {
		l.mirrorMove(ctx, "reserve", r.SKU, r.Quantity, nil)
	}
	if len(rows) > 0 {
		l.logger.Info("Inventory reserved", zap.String("order_id", orderID), zap.Int("lines", len(rows)))
	}
	return rows, nil
}

// ReleaseForOrder releases whatever the order still holds as RESERVED.
func (l *InventoryLedger) ReleaseForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ReleaseForOrder", "order_id", orderID)
	defer span.End()

	rows, err := l.store.ReleaseForOrder(ctx, orderID)
	l.observe("release_order", err)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		l.mirrorMove(ctx, "release", r.SKU, r.Quantity, nil)
	}
	return rows, nil
}

// CommitForOrder commits whatever the order still holds as RESERVED.
func (l *InventoryLedger) CommitForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.CommitForOrder", "order_id", orderID)
	defer span.End()

	rows, err := l.store.CommitForOrder(ctx, orderID)
	l.observe("commit_order", err)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		l.mirrorMove(ctx, "commit", r.SKU, r.Quantity, nil)
	}
	return rows, nil
}

// Recalculate rebuilds reserved for sku from the reservations of orders
// still waiting on a payment, releasing abandoned ones.
func (l *InventoryLedger) Recalculate(ctx context.Context, sku string) (*models.InventoryItem, int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Recalculate", "sku", sku)
	defer span.End()

	before, err := l.store.GetInventoryItem(ctx, sku)
	if err != nil {
		return nil, 0, err
	}

	item, released, err := l.store.RecalculateReserved(ctx, sku, l.now().Add(-l.staleAfter))
	l.observe("recalculate", err)
	if err != nil {
		return nil, 0, err
	}

	if before.Reserved != item.Reserved {
		l.logger.Warn("Reserved counter drift corrected",
			zap.String("sku", sku),
			zap.Int("before", before.Reserved),
			zap.Int("after", item.Reserved),
			zap.Int("released", released))
	}
	l.syncItem(ctx, item)
	return item, released, nil
}

// SyncMirror copies every ledger row into the mirror.
func (l *InventoryLedger) SyncMirror(ctx context.Context) (int, error) {
	if l.mirror == nil {
		return 0, nil
	}
	items, err := l.store.ListInventoryItems(ctx)
	if err != nil {
		return 0, err
	}
	for i := range items {
		if err := l.mirror.SyncInventory(ctx, &items[i]); err != nil {
			return i, fmt.Errorf("sync %s: %w", items[i].SKU, err)
		}
	}
	return len(items), nil
}

// ListSKUs returns every SKU in the ledger.
func (l *InventoryLedger) ListSKUs(ctx context.Context) ([]string, error) {
	items, err := l.store.ListInventoryItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].SKU
	}
	return out, nil
}

func (l *InventoryLedger) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	util.InventoryOperationsTotal.WithLabelValues(op, result).Inc()
}

// mirrorMove applies a delta to the mirror and re-syncs the SKU from the
// ledger when the mirror disagrees. known is the post-move ledger row if
// the caller has it.
func (l *InventoryLedger) mirrorMove(ctx context.Context, op, sku string, qty int, known *models.InventoryItem) {
	if l.mirror == nil {
		return
	}

	var ok bool
	var err error
	switch op {
	case "reserve":
		ok, err = l.mirror.ReserveStock(ctx, sku, qty)
	case "release":
		ok, err = l.mirror.ReleaseStock(ctx, sku, qty)
	case "commit":
		ok, err = l.mirror.CommitStock(ctx, sku, qty)
	}
	if err == nil && ok {
		return
	}

	item := known
	if item == nil {
		item, err = l.store.GetInventoryItem(ctx, sku)
		if err != nil {
			l.logger.Warn("Inventory mirror resync failed", zap.String("sku", sku), zap.Error(err))
			return
		}
	}
	l.syncItem(ctx, item)
}

func (l *InventoryLedger) syncItem(ctx context.Context, item *models.InventoryItem) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.SyncInventory(ctx, item); err != nil {
		l.logger.Warn("Inventory mirror sync failed", zap.String("sku", item.SKU), zap.Error(err))
	}
}

// mergeLines validates lines and folds repeated SKUs together, sorted by SKU.
func mergeLines(lines []models.ReservationLine) ([]models.ReservationLine, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("EMPTY_ORDER", "at least one line is required")
	}

	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.SKU == "" {
			return nil, apperr.Validation("INVALID_SKU", "sku is required")
		}
		if l.Quantity <= 0 {
			return nil, apperr.Validation("INVALID_QUANTITY", "quantity for %s must be positive, got %d", l.SKU, l.Quantity)
		}
		qty[l.SKU] += l.Quantity
	}

	out := make([]models.ReservationLine, 0, len(qty))
	for sku, q := range qty {
		out = append(out, models.ReservationLine{SKU: sku, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}
