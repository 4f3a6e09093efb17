package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"p2c-service/internal/models"
)

const fulfillmentColumns = `id, payment_transaction_id, order_id, kind, buyer_name, buyer_email,
	buyer_identification, line_items, fulfillment_status, created_at, updated_at`

// CreateFulfillmentIfAbsent inserts rec unless the transaction already has
// a record, in which case rec is overwritten with the existing one.
func (s *Store) CreateFulfillmentIfAbsent(ctx context.Context, rec *models.FulfillmentRecord) (bool, error) {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO fulfillment_records (id, payment_transaction_id, order_id, kind, buyer_name,
			buyer_email, buyer_identification, line_items, fulfillment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_transaction_id) DO NOTHING
		RETURNING `+fulfillmentColumns,
		rec.ID, rec.PaymentTransactionID, rec.OrderID, rec.Kind, rec.BuyerName,
		rec.BuyerEmail, rec.BuyerIdentification, rec.LineItems, rec.FulfillmentStatus,
	).StructScan(rec)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to create fulfillment: %w", err)
	}

	existing, err := s.GetFulfillmentByTransaction(ctx, rec.PaymentTransactionID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("fulfillment for %s vanished after conflict", rec.PaymentTransactionID)
	}
	*rec = *existing
	return false, nil
}

// GetFulfillmentByTransaction returns the record of a transaction, or nil
func (s *Store) GetFulfillmentByTransaction(ctx context.Context, txID string) (*models.FulfillmentRecord, error) {
	var rec models.FulfillmentRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+fulfillmentColumns+` FROM fulfillment_records WHERE payment_transaction_id = $1`, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateFulfillmentStatus sets the record's status
func (s *Store) UpdateFulfillmentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fulfillment_records SET fulfillment_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("fulfillment", id)
	}
	return nil
}
