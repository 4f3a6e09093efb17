package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"p2c-service/internal/apperr"
	"p2c-service/internal/models"
)

const transactionColumns = `id, control, invoice, reference, order_ref, amount_usd, amount_bs,
	exchange_rate_used, client_phone, client_bank_code, client_identification, status,
	gateway_code, gateway_description, voucher_text, auth_id, terminal, lot, seqnum,
	is_pre_registration, duplicate, created_at, updated_at, processed_at`

var activeStatuses = pq.Array([]string{string(models.StatusPending), string(models.StatusProcessing)})

// CreatePendingTransaction inserts t in pending. When t has an order, the
// order's active rows are locked first: a row created after staleBefore
// blocks the insert, older ones are expired. Expired rows are returned.
func (s *Store) CreatePendingTransaction(ctx context.Context, t *models.Transaction, staleBefore time.Time) ([]models.Transaction, error) {
	var expired []models.Transaction

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if t.OrderRef != nil {
			// serialize attempts for the same order
			if _, err := tx.ExecContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, *t.OrderRef); err != nil {
				return fmt.Errorf("failed to lock order: %w", err)
			}

			var active []models.Transaction
			err := tx.SelectContext(ctx, &active,
				`SELECT `+transactionColumns+` FROM payment_transactions
				 WHERE order_ref = $1 AND status = ANY($2) FOR UPDATE`,
				*t.OrderRef, activeStatuses)
			if err != nil {
				return fmt.Errorf("failed to lock active transactions: %w", err)
			}

			for _, a := range active {
				if a.CreatedAt.After(staleBefore) {
					return fmt.Errorf("order %s transaction %s: %w", *t.OrderRef, a.ID, apperr.ActiveTransaction)
				}
			}

			if len(active) > 0 {
				err := tx.SelectContext(ctx, &expired,
					`UPDATE payment_transactions SET status = $1, updated_at = NOW()
					 WHERE order_ref = $2 AND status = ANY($3)
					 RETURNING `+transactionColumns,
					models.StatusExpired, *t.OrderRef, activeStatuses)
				if err != nil {
					return fmt.Errorf("failed to expire stale transactions: %w", err)
				}
			}
		}

		query := `
			INSERT INTO payment_transactions (id, control, invoice, reference, order_ref, amount_usd,
				amount_bs, exchange_rate_used, client_phone, client_bank_code, client_identification,
				status, is_pre_registration)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at, updated_at`

		return tx.QueryRowxContext(ctx, query,
			t.ID, t.Control, t.Invoice, t.Reference, t.OrderRef, t.AmountUSD, t.AmountBs,
			t.ExchangeRateUsed, t.ClientPhone, t.ClientBankCode, t.ClientIdentification,
			t.Status, t.IsPreRegistration,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// AssignControl sets the gateway control once. Re-assigning the same value is a no-op.
func (s *Store) AssignControl(ctx context.Context, id, control string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET control = $2, updated_at = NOW()
		 WHERE id = $1 AND control IS NULL`, id, control)
	if err != nil {
		return fmt.Errorf("failed to assign control: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if t.ControlNumber() == control {
		return nil
	}
	return apperr.New(apperr.KindInvalidState, "CONTROL_IMMUTABLE",
		fmt.Sprintf("transaction %s already has control %s", id, t.ControlNumber()))
}

// TransitionStatus moves id to `to` only if its current status is in from.
func (s *Store) TransitionStatus(ctx context.Context, id string, from []models.Status, to models.Status) (bool, error) {
	fs := make([]string, len(from))
	for i, f := range from {
		fs[i] = string(f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`, id, to, pq.Array(fs))
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinalizeTransaction writes the terminal outcome if the row is still
// pending or processing. It reports whether this call made the change.
func (s *Store) FinalizeTransaction(ctx context.Context, id string, f models.Finalization) (bool, error) {
	if !f.Status.IsTerminal() {
		return false, apperr.New(apperr.KindInvalidState, "NOT_TERMINAL", string(f.Status)+" is not terminal")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $2, gateway_code = $3, gateway_description = $4, voucher_text = $5,
			auth_id = $6, terminal = $7, lot = $8, seqnum = $9, duplicate = $10,
			processed_at = $11, updated_at = NOW()
		WHERE id = $1 AND status = ANY($12)`,
		id, f.Status, f.GatewayCode, f.Description, f.VoucherText,
		f.AuthID, f.Terminal, f.Lot, f.SeqNum, f.Duplicate, f.ProcessedAt, activeStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to finalize transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ExpireStaleTransactions moves every active row created before `before` to expired.
func (s *Store) ExpireStaleTransactions(ctx context.Context, before time.Time) ([]models.Transaction, error) {
	var expired []models.Transaction
	err := s.db.SelectContext(ctx, &expired,
		`UPDATE payment_transactions SET status = $1, updated_at = NOW()
		 WHERE status = ANY($2) AND created_at < $3
		 RETURNING `+transactionColumns,
		models.StatusExpired, activeStatuses, before)
	return expired, err
}

// GetTransaction retrieves a transaction by id
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := getOne(ctx, s.db, &t, "transaction", id,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByControl retrieves a transaction by gateway control
func (s *Store) GetTransactionByControl(ctx context.Context, control string) (*models.Transaction, error) {
	var t models.Transaction
	err := getOne(ctx, s.db, &t, "transaction", control,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE control = $1`, control)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActiveTransactionForOrder returns the pending/processing row of an order, or nil.
func (s *Store) GetActiveTransactionForOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.GetContext(ctx, &t,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE order_ref = $1 AND status = ANY($2)
		 ORDER BY created_at DESC LIMIT 1`, orderID, activeStatuses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetApprovedTransactionForOrder returns the approved row of an order, or nil.
func (s *Store) GetApprovedTransactionForOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.GetContext(ctx, &t,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE order_ref = $1 AND status = $2
		 ORDER BY processed_at LIMIT 1`, orderID, models.StatusApproved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactionsByStatus returns rows in status created before olderThan, oldest first.
func (s *Store) ListTransactionsByStatus(ctx context.Context, status models.Status, olderThan time.Time, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at LIMIT $3`, status, olderThan, limit)
	return out, err
}

// ListApprovedWithoutEvent finds approved transactions missing eventType in their audit log.
func (s *Store) ListApprovedWithoutEvent(ctx context.Context, eventType string, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+transactionColumns+` FROM payment_transactions t
		 WHERE t.status = $1 AND NOT EXISTS (
			SELECT 1 FROM payment_events e
			WHERE e.transaction_id = t.id AND e.event_type = $2)
		 ORDER BY t.processed_at NULLS FIRST LIMIT $3`,
		models.StatusApproved, eventType, limit)
	return out, err
}
