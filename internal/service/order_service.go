package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
	"p2c-service/internal/util"
)

// OrderService handles order intents and their reservations
type OrderService struct {
	orders    OrderStore
	inventory *InventoryLedger
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(orders OrderStore, inventory *InventoryLedger) *OrderService {
	return &OrderService{
		orders:    orders,
		inventory: inventory,
		logger:    util.GetLogger().Named("orders"),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Kind                models.OrderKind   `json:"kind" binding:"required"`
	BuyerName           string             `json:"buyer_name" binding:"required"`
	BuyerEmail          string             `json:"buyer_email" binding:"required"`
	BuyerPhone          string             `json:"buyer_phone"`
	BuyerIdentification string             `json:"buyer_identification"`
	Items               []OrderItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey      string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order. Holders names the
// runner or seat holder of each unit.
type OrderItemRequest struct {
	SKU      string   `json:"sku" binding:"required"`
	Quantity int      `json:"quantity" binding:"required,min=1"`
	Holders  []string `json:"holders,omitempty"`
}

// OrderView is an order with its lines and reservations
type OrderView struct {
	Order        *models.Order             `json:"order"`
	Items        []models.OrderItem        `json:"items"`
	Reservations []models.OrderReservation `json:"reservations"`
}

// CreateOrder stores an order intent priced from the catalog and reserves
// its inventory. Repeating a request with the same idempotency key returns
// the first order.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if !req.Kind.Valid() {
		return nil, apperr.Validation("INVALID_KIND", "unknown order kind %q", req.Kind)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("order_id", existing.ID))
		if err := s.reserve(ctx, existing.ID); err != nil {
			return nil, err
		}
		return s.GetOrder(ctx, existing.ID)
	}

	items, total, err := s.priceItems(ctx, req)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:                  uuid.NewString(),
		Kind:                req.Kind,
		BuyerName:           req.BuyerName,
		BuyerEmail:          req.BuyerEmail,
		BuyerPhone:          req.BuyerPhone,
		BuyerIdentification: req.BuyerIdentification,
		TotalUSD:            total,
		IdempotencyKey:      req.IdempotencyKey,
	}
	if err := s.orders.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("kind", string(order.Kind)),
		zap.String("total_usd", total.StringFixed(2)))

	if err := s.reserve(ctx, order.ID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

// GetOrder retrieves an order with its items and reservations
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.orders.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	reservations, err := s.inventory.Reservations(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: order, Items: items, Reservations: reservations}, nil
}

func (s *OrderService) reserve(ctx context.Context, orderID string) error {
	items, err := s.orders.GetOrderItems(ctx, orderID)
	if err != nil {
		return err
	}
	lines := make([]models.ReservationLine, len(items))
	for i, it := range items {
		lines[i] = models.ReservationLine{SKU: it.SKU, Quantity: it.Quantity}
	}
	_, err = s.inventory.ReserveForOrder(ctx, orderID, lines)
	return err
}

// priceItems checks every line against the catalog and computes the total.
func (s *OrderService) priceItems(ctx context.Context, req *CreateOrderRequest) ([]models.OrderItem, decimal.Decimal, error) {
	if len(req.Items) == 0 {
		return nil, decimal.Zero, apperr.Validation("EMPTY_ORDER", "at least one item is required")
	}

	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, decimal.Zero, apperr.Validation("INVALID_QUANTITY",
				"quantity for %s must be positive, got %d", line.SKU, line.Quantity)
		}
		if len(line.Holders) > line.Quantity {
			return nil, decimal.Zero, apperr.Validation("TOO_MANY_HOLDERS",
				"%d holders given for %d units of %s", len(line.Holders), line.Quantity, line.SKU)
		}

		product, err := s.inventory.Get(ctx, line.SKU)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if product.Kind != req.Kind {
			return nil, decimal.Zero, apperr.Validation("KIND_MISMATCH",
				"%s is a %s item, order is %s", line.SKU, product.Kind, req.Kind)
		}

		holders := line.Holders
		if holders == nil {
			holders = []string{}
		}
		details, err := json.Marshal(holders)
		if err != nil {
			return nil, decimal.Zero, err
		}

		items = append(items, models.OrderItem{
			SKU:          line.SKU,
			Quantity:     line.Quantity,
			UnitPriceUSD: product.PriceUSD,
			Details:      details,
		})
		total = total.Add(product.PriceUSD.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return items, total.Round(2), nil
}
