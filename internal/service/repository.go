package service

import (
	"context"
	"time"

	"order-fulfillment/internal/models"
)

// OrderRepository persists orders. UpdateOrder is a compare-and-swap on Version
// and returns models.ErrConcurrencyConflict when the stored version moved.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// GetOrderByIdempotencyKey returns nil, nil when no order uses the key
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// InventoryRepository persists products and reservations. Every product write is
// guarded by the product Version and bumps it on success.
type InventoryRepository interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	CreateProduct(ctx context.Context, product *models.Product) error
	// UpdateProducts writes all products or none
	UpdateProducts(ctx context.Context, products []*models.Product) error
	// ReserveStock writes the reserved products and inserts the reservations in one unit of work
	ReserveStock(ctx context.Context, products []*models.Product, reservations []*models.StockReservation) error
	GetReservation(ctx context.Context, id string) (*models.StockReservation, error)
	GetReservationsByOrder(ctx context.Context, orderID string) ([]models.StockReservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]models.StockReservation, error)
	// ReleaseReservation writes the product and marks the reservation released in one unit of work.
	// It returns models.ErrAlreadyReleased when another release won the race.
	ReleaseReservation(ctx context.Context, product *models.Product, reservation *models.StockReservation) error
}

// FlashSaleRepository stores flash sale windows
type FlashSaleRepository interface {
	// GetActiveFlashSale returns nil, nil when the product has no sale running at now
	GetActiveFlashSale(ctx context.Context, productID string, now time.Time) (*models.FlashSaleProduct, error)
	CreateFlashSale(ctx context.Context, sale *models.FlashSaleProduct) error
}

// PurchaseLedger counts what each customer holds under a flash sale
type PurchaseLedger interface {
	PurchasedQuantity(ctx context.Context, flashSaleID, customerID string) (int, error)
	// ClaimPurchase adds quantity to the customer's total only if it stays within limit
	ClaimPurchase(ctx context.Context, flashSaleID, customerID string, quantity, limit int) (bool, error)
	RemovePurchase(ctx context.Context, flashSaleID, customerID string, quantity int) error
}

// PaymentRepository persists payments
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	// GetPaymentByOrderID returns the latest payment of the order, or nil, nil
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
}

// StockCache is a read-through cache for product stock
type StockCache interface {
	GetProduct(ctx context.Context, id string) (*models.Product, bool, error)
	SetProduct(ctx context.Context, product *models.Product) error
	InvalidateProduct(ctx context.Context, id string) error
}

// IdempotencyKeys maps API idempotency keys to order ids
type IdempotencyKeys interface {
	// ClaimIdempotencyKey stores orderID under key unless the key is taken, and returns the owning order id
	ClaimIdempotencyKey(ctx context.Context, key, orderID string) (owner string, claimed bool, err error)
}
