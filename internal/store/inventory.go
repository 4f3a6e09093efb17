package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
)

const inventoryColumns = `sku, name, kind, price_usd, stock, reserved, assigned, updated_at`

// GetInventoryItem retrieves one SKU
func (s *Store) GetInventoryItem(ctx context.Context, sku string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := getOne(ctx, s.db, &item, "inventory item", sku,
		`SELECT `+inventoryColumns+` FROM inventory_items WHERE sku = $1`, sku)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListInventoryItems retrieves every SKU
func (s *Store) ListInventoryItems(ctx context.Context) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := s.db.SelectContext(ctx, &items, `SELECT `+inventoryColumns+` FROM inventory_items ORDER BY sku`)
	return items, err
}

// UpsertInventoryItem creates or replaces a catalog row. Counters other
// than stock are left alone on update.
func (s *Store) UpsertInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO inventory_items (sku, name, kind, price_usd, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sku) DO UPDATE
		SET name = EXCLUDED.name, kind = EXCLUDED.kind, price_usd = EXCLUDED.price_usd,
			stock = EXCLUDED.stock, updated_at = NOW()
		RETURNING `+inventoryColumns,
		item.SKU, item.Name, item.Kind, item.PriceUSD, item.Stock,
	).StructScan(item)
}

// the three counter moves, each a single conditional statement
const (
	reserveSQL = `UPDATE inventory_items SET reserved = reserved + $2, updated_at = NOW()
		WHERE sku = $1 AND stock - reserved - assigned >= $2
		RETURNING ` + inventoryColumns
	releaseSQL = `UPDATE inventory_items SET reserved = reserved - $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
		RETURNING ` + inventoryColumns
	commitSQL = `UPDATE inventory_items SET reserved = reserved - $2, assigned = assigned + $2, updated_at = NOW()
		WHERE sku = $1 AND reserved >= $2
		RETURNING ` + inventoryColumns
)

// ReserveStock increments reserved iff available >= qty.
func (s *Store) ReserveStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	return reserveStock(ctx, s.db, sku, qty)
}

// ReleaseStock returns qty reserved units to the free pool.
func (s *Store) ReleaseStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	return moveStock(ctx, s.db, releaseSQL, "release", sku, qty)
}

// CommitStock transfers qty from reserved to assigned.
func (s *Store) CommitStock(ctx context.Context, sku string, qty int) (*models.InventoryItem, error) {
	return moveStock(ctx, s.db, commitSQL, "commit", sku, qty)
}

func reserveStock(ctx context.Context, q sqlx.QueryerContext, sku string, qty int) (*models.InventoryItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("INVALID_QUANTITY", "quantity must be positive, got %d", qty)
	}

	var item models.InventoryItem
	err := sqlx.GetContext(ctx, q, &item, reserveSQL, sku, qty)
	if errors.Is(err, sql.ErrNoRows) {
		var current models.InventoryItem
		if err := getOne(ctx, q, &current, "inventory item", sku,
			`SELECT `+inventoryColumns+` FROM inventory_items WHERE sku = $1`, sku); err != nil {
			return nil, err
		}
		return nil, &apperr.InsufficientInventoryError{SKU: sku, Requested: qty, Available: current.Available()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s: %w", sku, err)
	}
	return &item, nil
}

func moveStock(ctx context.Context, q sqlx.QueryerContext, query, op, sku string, qty int) (*models.InventoryItem, error) {
	if qty <= 0 {
		return nil, apperr.Validation("INVALID_QUANTITY", "quantity must be positive, got %d", qty)
	}

	var item models.InventoryItem
	err := sqlx.GetContext(ctx, q, &item, query, sku, qty)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := sqlx.GetContext(ctx, q, &exists,
			`SELECT EXISTS(SELECT 1 FROM inventory_items WHERE sku = $1)`, sku); err != nil {
			return nil, err
		}
		if !exists {
			return nil, notFound("inventory item", sku)
		}
		return nil, &apperr.UnderflowError{SKU: sku, Op: op, Quantity: qty}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, sku, err)
	}
	return &item, nil
}

const reservationColumns = `order_id, sku, quantity, status, created_at, updated_at`

// GetReservations lists the reservation rows of an order
func (s *Store) GetReservations(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	var out []models.OrderReservation
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+reservationColumns+` FROM order_reservations WHERE order_id = $1 ORDER BY sku`, orderID)
	return out, err
}

// ReserveForOrder reserves every line or none. Lines already RESERVED or
// COMMITTED for the order are skipped; RELEASED lines are reserved again.
// Returns the rows that this call reserved.
func (s *Store) ReserveForOrder(ctx context.Context, orderID string, lines []models.ReservationLine) ([]models.OrderReservation, error) {
	var reserved []models.OrderReservation

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockReservations(ctx, tx, orderID)
		if err != nil {
			return err
		}

		for _, l := range lines {
			prev, ok := existing[l.SKU]
			if ok && prev.Status != models.ReservationReleased {
				continue
			}

			if _, err := reserveStock(ctx, tx, l.SKU, l.Quantity); err != nil {
				return err
			}

			var row models.OrderReservation
			err := tx.GetContext(ctx, &row, `
				INSERT INTO order_reservations (order_id, sku, quantity, status)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (order_id, sku) DO UPDATE
				SET quantity = EXCLUDED.quantity, status = EXCLUDED.status, updated_at = NOW()
				RETURNING `+reservationColumns,
				orderID, l.SKU, l.Quantity, models.ReservationReserved)
			if err != nil {
				return fmt.Errorf("failed to record reservation: %w", err)
			}
			reserved = append(reserved, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// ReleaseForOrder releases the order's RESERVED rows.
func (s *Store) ReleaseForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	return s.settleReservations(ctx, orderID, releaseSQL, "release", models.ReservationReleased)
}

// CommitForOrder commits the order's RESERVED rows. A RELEASED row fails the
// whole commit with an UnderflowError; COMMITTED rows are skipped.
func (s *Store) CommitForOrder(ctx context.Context, orderID string) ([]models.OrderReservation, error) {
	return s.settleReservations(ctx, orderID, commitSQL, "commit", models.ReservationCommitted)
}

func (s *Store) settleReservations(ctx context.Context, orderID, query, op, status string) ([]models.OrderReservation, error) {
	var moved []models.OrderReservation

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := lockReservations(ctx, tx, orderID)
		if err != nil {
			return err
		}

		for _, r := range sortedReservations(existing) {
			// a released hold cannot be assigned; the stock may be held by another order
			if op == "commit" && r.Status == models.ReservationReleased {
				return &apperr.UnderflowError{SKU: r.SKU, Op: op, Quantity: r.Quantity}
			}
			if r.Status != models.ReservationReserved {
				continue
			}
			if _, err := moveStock(ctx, tx, query, op, r.SKU, r.Quantity); err != nil {
				return err
			}

			var row models.OrderReservation
			err := tx.GetContext(ctx, &row,
				`UPDATE order_reservations SET status = $3, updated_at = NOW()
				 WHERE order_id = $1 AND sku = $2
				 RETURNING `+reservationColumns, orderID, r.SKU, status)
			if err != nil {
				return fmt.Errorf("failed to update reservation: %w", err)
			}
			moved = append(moved, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// lockReservations takes the order row lock, which serializes every
// reservation change of one order, then loads its rows.
func lockReservations(ctx context.Context, tx *sqlx.Tx, orderID string) (map[string]models.OrderReservation, error) {
	var id string
	if err := getOne(ctx, tx, &id, "order", orderID, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, orderID); err != nil {
		return nil, err
	}

	var rows []models.OrderReservation
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+reservationColumns+` FROM order_reservations WHERE order_id = $1`, orderID); err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	out := make(map[string]models.OrderReservation, len(rows))
	for _, r := range rows {
		out[r.SKU] = r
	}
	return out, nil
}

// RecalculateReserved releases RESERVED rows older than staleBefore whose
// order has no pending, processing or approved transaction, then rebuilds
// the SKU's reserved counter from the remaining RESERVED rows.
func (s *Store) RecalculateReserved(ctx context.Context, sku string, staleBefore time.Time) (*models.InventoryItem, int, error) {
	var item models.InventoryItem
	var orphaned int

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := getOne(ctx, tx, &item, "inventory item", sku,
			`SELECT `+inventoryColumns+` FROM inventory_items WHERE sku = $1 FOR UPDATE`, sku); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE order_reservations r SET status = $2, updated_at = NOW()
			WHERE r.sku = $1 AND r.status = $3 AND r.created_at < $4
			AND NOT EXISTS (
				SELECT 1 FROM payment_transactions t
				WHERE t.order_ref = r.order_id AND t.status IN ('pending', 'processing', 'approved'))`,
			sku, models.ReservationReleased, models.ReservationReserved, staleBefore)
		if err != nil {
			return fmt.Errorf("failed to release orphan reservations: %w", err)
		}
		n, _ := res.RowsAffected()
		orphaned = int(n)

		var held int
		if err := tx.GetContext(ctx, &held,
			`SELECT COALESCE(SUM(quantity), 0) FROM order_reservations WHERE sku = $1 AND status = $2`,
			sku, models.ReservationReserved); err != nil {
			return err
		}
		if held+item.Assigned > item.Stock {
			return &apperr.UnderflowError{SKU: sku, Op: "recalculate", Quantity: held}
		}

		return tx.GetContext(ctx, &item,
			`UPDATE inventory_items SET reserved = $2, updated_at = NOW() WHERE sku = $1
			 RETURNING `+inventoryColumns, sku, held)
	})
	if err != nil {
		return nil, 0, err
	}
	return &item, orphaned, nil
}

// sku order keeps lock acquisition consistent across orders
func sortedReservations(m map[string]models.OrderReservation) []models.OrderReservation {
	out := make([]models.OrderReservation, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}
