package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
)

const flashSaleColumns = `id, product_id, start_time, end_time, max_quantity_per_customer, is_active, created_at`

// GetActiveFlashSale returns the sale running for the product at now, or nil
func (s *Store) GetActiveFlashSale(ctx context.Context, productID string, now time.Time) (*models.FlashSaleProduct, error) {
	var sale models.FlashSaleProduct
	err := s.db.GetContext(ctx, &sale,
		`SELECT `+flashSaleColumns+` FROM flash_sale_products
		WHERE product_id = $1 AND is_active AND start_time <= $2 AND end_time >= $2
		ORDER BY start_time DESC LIMIT 1`,
		productID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// CreateFlashSale inserts a flash sale window
func (s *Store) CreateFlashSale(ctx context.Context, sale *models.FlashSaleProduct) error {
	query := `INSERT INTO flash_sale_products (` + flashSaleColumns + `)
		VALUES (:id, :product_id, :start_time, :end_time, :max_quantity_per_customer, :is_active, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, sale); err != nil {
		return fmt.Errorf("failed to insert flash sale: %w", err)
	}
	return nil
}

// PurchasedQuantity returns how many units the customer holds under the sale
func (s *Store) PurchasedQuantity(ctx context.Context, flashSaleID, customerID string) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty,
		"SELECT quantity FROM flash_sale_purchases WHERE flash_sale_id = $1 AND customer_id = $2",
		flashSaleID, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// ClaimPurchase adds quantity to the customer's sale total unless the total would pass limit.
// The row lock taken by the upsert serializes concurrent claims of one customer.
func (s *Store) ClaimPurchase(ctx context.Context, flashSaleID, customerID string, quantity, limit int) (bool, error) {
	if quantity > limit {
		return false, nil
	}
	var total int
	err := s.db.GetContext(ctx, &total,
		`INSERT INTO flash_sale_purchases (flash_sale_id, customer_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (flash_sale_id, customer_id) DO UPDATE SET quantity = flash_sale_purchases.quantity + EXCLUDED.quantity
		WHERE flash_sale_purchases.quantity + EXCLUDED.quantity <= $4
		RETURNING quantity`,
		flashSaleID, customerID, quantity, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim flash sale purchase: %w", err)
	}
	return true, nil
}

// RemovePurchase returns quantity to the customer's sale allowance
func (s *Store) RemovePurchase(ctx context.Context, flashSaleID, customerID string, quantity int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE flash_sale_purchases SET quantity = GREATEST(quantity - $3, 0)
		WHERE flash_sale_id = $1 AND customer_id = $2`,
		flashSaleID, customerID, quantity)
	return err
}
