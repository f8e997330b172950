package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-fulfillment/internal/models"
)

const paymentColumns = `id, order_id, reservation_id, customer_id, amount, status, transaction_id, failure_reason,
	is_fraudulent, retry_count, created_at, processed_at, refunded_at`

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES (:id, :order_id, :reservation_id, :customer_id, :amount, :status, :transaction_id, :failure_reason,
			:is_fraudulent, :retry_count, :created_at, :processed_at, :refunded_at)`
	if _, err := s.db.NamedExecContext(ctx, query, payment); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// UpdatePayment writes the mutable payment fields
func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	query := `UPDATE payments SET
			status = :status,
			transaction_id = :transaction_id,
			failure_reason = :failure_reason,
			is_fraudulent = :is_fraudulent,
			retry_count = :retry_count,
			processed_at = :processed_at,
			refunded_at = :refunded_at
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, payment)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("payment", payment.ID)
	}
	return nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC, retry_count DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
