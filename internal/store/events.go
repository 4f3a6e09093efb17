package store

import (
	"context"

	"p2c-service/internal/models"
)

// AppendEvent adds an audit entry. Events are never updated.
func (s *Store) AppendEvent(ctx context.Context, e *models.PaymentEvent) error {
	data := e.EventData
	if len(data) == 0 {
		data = []byte("{}")
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO payment_events (transaction_id, fulfillment_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.TransactionID, e.FulfillmentID, e.EventType, data,
	).Scan(&e.ID, &e.CreatedAt)
}

// ListEvents returns a transaction's events in insertion order
func (s *Store) ListEvents(ctx context.Context, txID string) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, transaction_id, fulfillment_id, event_type, event_data, created_at
		 FROM payment_events WHERE transaction_id = $1 ORDER BY id`, txID)
	return events, err
}

// HasEvent checks whether a step was already recorded for a transaction
func (s *Store) HasEvent(ctx context.Context, txID, eventType string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM payment_events WHERE transaction_id = $1 AND event_type = $2)`,
		txID, eventType)
	return exists, err
}
