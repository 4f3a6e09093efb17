package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"p2c-service/internal/models"
)

const orderColumns = `id, kind, buyer_name, buyer_email, buyer_phone, buyer_identification,
	total_usd, idempotency_key, created_at`

// CreateOrder inserts an order intent and its items in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO orders (id, kind, buyer_name, buyer_email, buyer_phone,
				buyer_identification, total_usd, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at`

		err := tx.QueryRowxContext(ctx, query,
			order.ID, order.Kind, order.BuyerName, order.BuyerEmail, order.BuyerPhone,
			order.BuyerIdentification, order.TotalUSD, order.IdempotencyKey,
		).Scan(&order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			details := items[i].Details
			if len(details) == 0 {
				details = []byte("[]")
			}
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO order_items (order_id, sku, quantity, unit_price_usd, details)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				order.ID, items[i].SKU, items[i].Quantity, items[i].UnitPriceUSD, details,
			).Scan(&items[i].ID)
			if err != nil {
				return fmt.Errorf("failed to create order item %s: %w", items[i].SKU, err)
			}
		}
		return nil
	})
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := getOne(ctx, s.db, &order, "order", id,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, or nil
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, order_id, sku, quantity, unit_price_usd, details
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	return items, err
}
