package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, customer_id, total_amount, status, is_vip, payment_id, stock_reservation_id,
	idempotency_key, correlation_id, cancellation_reason, tracking_number, carrier,
	created_at, confirmed_at, cancelled_at, shipped_at, version`

const orderItemColumns = `id, order_id, product_id, product_name, quantity, unit_price, position`

// CreateOrder inserts the order and its items
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `INSERT INTO orders (` + orderColumns + `)
			VALUES (:id, :customer_id, :total_amount, :status, :is_vip, :payment_id, :stock_reservation_id,
				:idempotency_key, :correlation_id, :cancellation_reason, :tracking_number, :carrier,
				:created_at, :confirmed_at, :cancelled_at, :shipped_at, :version)`
		if _, err := tx.NamedExecContext(ctx, query, order); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			if item.ID == "" {
				item.ID = uuid.New().String()
			}
			item.OrderID = order.ID
			item.Position = i

			query := `INSERT INTO order_items (` + orderItemColumns + `)
				VALUES (:id, :order_id, :product_id, :product_name, :quantity, :unit_price, :position)`
			if _, err := tx.NamedExecContext(ctx, query, item); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		return nil
	})
}

// GetOrder retrieves an order and its items
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes the mutable order fields if the stored version still matches
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `UPDATE orders SET
			status = :status,
			payment_id = :payment_id,
			stock_reservation_id = :stock_reservation_id,
			cancellation_reason = :cancellation_reason,
			tracking_number = :tracking_number,
			carrier = :carrier,
			confirmed_at = :confirmed_at,
			cancelled_at = :cancelled_at,
			shipped_at = :shipped_at,
			version = version + 1
		WHERE id = :id AND version = :version`

	res, err := s.db.NamedExecContext(ctx, query, order)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conflict("order", order.ID)
	}

	order.Version++
	return nil
}

func (s *Store) loadItems(ctx context.Context, order *models.Order) error {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY position", order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items
	return nil
}
