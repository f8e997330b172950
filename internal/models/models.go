package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses
const (
	OrderStatusPending   = "Pending"
	OrderStatusConfirmed = "Confirmed"
	OrderStatusCancelled = "Cancelled"
	OrderStatusShipped   = "Shipped"
	OrderStatusDelivered = "Delivered"
)

// Payment statuses
const (
	PaymentStatusPending    = "Pending"
	PaymentStatusProcessing = "Processing"
	PaymentStatusSuccess    = "Success"
	PaymentStatusFailed     = "Failed"
	PaymentStatusRefunded   = "Refunded"
	PaymentStatusTimeout    = "Timeout"
)

// Order represents a customer order
type Order struct {
	ID                 string          `db:"id" json:"id"`
	CustomerID         string          `db:"customer_id" json:"customer_id"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status             string          `db:"status" json:"status"`
	IsVIP              bool            `db:"is_vip" json:"is_vip"`
	PaymentID          *string         `db:"payment_id" json:"payment_id,omitempty"`
	StockReservationID *string         `db:"stock_reservation_id" json:"stock_reservation_id,omitempty"`
	IdempotencyKey     *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CorrelationID      string          `db:"correlation_id" json:"correlation_id"`
	CancellationReason *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	TrackingNumber     *string         `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier            *string         `db:"carrier" json:"carrier,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	ConfirmedAt        *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ShippedAt          *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	Version            int64           `db:"version" json:"version"`
	Items              []OrderItem     `db:"-" json:"items"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID          string          `db:"id" json:"id"`
	OrderID     string          `db:"order_id" json:"order_id"`
	ProductID   string          `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	Position    int             `db:"position" json:"-"`
}

// Product holds stock counters guarded by an optimistic version token
type Product struct {
	ID                string          `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	AvailableQuantity int             `db:"available_quantity" json:"available_quantity"`
	ReservedQuantity  int             `db:"reserved_quantity" json:"reserved_quantity"`
	Price             decimal.Decimal `db:"price" json:"price"`
	Version           int64           `db:"version" json:"version"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// StockReservation holds stock for one order line until released or expired
type StockReservation struct {
	ID            string     `db:"id" json:"id"`
	OrderID       string     `db:"order_id" json:"order_id"`
	ProductID     string     `db:"product_id" json:"product_id"`
	CustomerID    string     `db:"customer_id" json:"customer_id"`
	FlashSaleID   *string    `db:"flash_sale_id" json:"flash_sale_id,omitempty"`
	Quantity      int        `db:"quantity" json:"quantity"`
	ReservedAt    time.Time  `db:"reserved_at" json:"reserved_at"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	IsReleased    bool       `db:"is_released" json:"is_released"`
	ReleasedAt    *time.Time `db:"released_at" json:"released_at,omitempty"`
	ReleaseReason *string    `db:"release_reason" json:"release_reason,omitempty"`
}

// FlashSaleProduct bounds per-customer purchases of a product during a sale window
type FlashSaleProduct struct {
	ID                     string    `db:"id" json:"id"`
	ProductID              string    `db:"product_id" json:"product_id"`
	StartTime              time.Time `db:"start_time" json:"start_time"`
	EndTime                time.Time `db:"end_time" json:"end_time"`
	MaxQuantityPerCustomer int       `db:"max_quantity_per_customer" json:"max_quantity_per_customer"`
	IsActive               bool      `db:"is_active" json:"is_active"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
}

// IsCurrentlyActive reports whether the sale window covers now
func (f *FlashSaleProduct) IsCurrentlyActive(now time.Time) bool {
	return f.IsActive && !now.Before(f.StartTime) && !now.After(f.EndTime)
}

// Payment represents a payment transaction
type Payment struct {
	ID            string          `db:"id" json:"id"`
	OrderID       string          `db:"order_id" json:"order_id"`
	ReservationID string          `db:"reservation_id" json:"reservation_id"`
	CustomerID    string          `db:"customer_id" json:"customer_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Status        string          `db:"status" json:"status"`
	TransactionID *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	FailureReason *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	IsFraudulent  bool            `db:"is_fraudulent" json:"is_fraudulent"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	RefundedAt    *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
}

// IsTerminal reports whether the payment reached a final outcome
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusTimeout:
		return true
	}
	return false
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	Consumer    string    `db:"consumer"`
	ProcessedAt time.Time `db:"processed_at"`
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time { return &t }
