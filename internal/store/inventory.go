package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = `id, name, available_quantity, reserved_quantity, price, version, created_at, updated_at`

const reservationColumns = `id, order_id, product_id, customer_id, flash_sale_id, quantity,
	reserved_at, expires_at, is_released, released_at, release_reason`

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("product", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves the products that exist among ids
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY name, id")
	return products, err
}

// CreateProduct inserts a product
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	query := `INSERT INTO products (` + productColumns + `)
		VALUES (:id, :name, :available_quantity, :reserved_quantity, :price, :version, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, product); err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// UpdateProducts writes the stock counters of every product atomically
func (s *Store) UpdateProducts(ctx context.Context, products []*models.Product) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range products {
			if err := updateProductTx(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	bumpVersions(products)
	return nil
}

// ReserveStock writes the reserved products and inserts the reservations in one transaction
func (s *Store) ReserveStock(ctx context.Context, products []*models.Product, reservations []*models.StockReservation) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, p := range products {
			if err := updateProductTx(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, r := range reservations {
			query := `INSERT INTO stock_reservations (` + reservationColumns + `)
				VALUES (:id, :order_id, :product_id, :customer_id, :flash_sale_id, :quantity,
					:reserved_at, :expires_at, :is_released, :released_at, :release_reason)`
			if _, err := tx.NamedExecContext(ctx, query, r); err != nil {
				return fmt.Errorf("failed to insert reservation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	bumpVersions(products)
	return nil
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.StockReservation, error) {
	var r models.StockReservation
	err := s.db.GetContext(ctx, &r, "SELECT "+reservationColumns+" FROM stock_reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reservation", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReservationsByOrder retrieves every reservation of an order, released or not
func (s *Store) GetReservationsByOrder(ctx context.Context, orderID string) ([]models.StockReservation, error) {
	var rs []models.StockReservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT "+reservationColumns+" FROM stock_reservations WHERE order_id = $1 ORDER BY reserved_at, id", orderID)
	return rs, err
}

// ListExpiredReservations retrieves unreleased reservations that expired before now
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time) ([]models.StockReservation, error) {
	var rs []models.StockReservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT "+reservationColumns+" FROM stock_reservations WHERE NOT is_released AND expires_at < $1 ORDER BY expires_at",
		now)
	return rs, err
}

// ReleaseReservation writes the product and marks the reservation released in one transaction
func (s *Store) ReleaseReservation(ctx context.Context, product *models.Product, reservation *models.StockReservation) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateProductTx(ctx, tx, product); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE stock_reservations SET is_released = TRUE, released_at = $1, release_reason = $2
			WHERE id = $3 AND NOT is_released`,
			reservation.ReleasedAt, reservation.ReleaseReason, reservation.ID)
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", models.ErrAlreadyReleased, reservation.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	product.Version++
	return nil
}

func updateProductTx(ctx context.Context, tx *sqlx.Tx, p *models.Product) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE products SET available_quantity = $1, reserved_quantity = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		p.AvailableQuantity, p.ReservedQuantity, p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update product %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return conflict("product", p.ID)
	}
	return nil
}

func bumpVersions(products []*models.Product) {
	for _, p := range products {
		p.Version++
	}
}
