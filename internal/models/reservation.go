package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Release reasons recorded on reservations
const (
	ReleaseReasonExpired      = "expired"
	ReleaseReasonCompensation = "compensation"
	ReleaseReasonLateReserve  = "order already cancelled"
)

// NewStockReservation creates a reservation that expires ttl after now
func NewStockReservation(orderID, productID, customerID string, quantity int, now time.Time, ttl time.Duration) *StockReservation {
	return &StockReservation{
		ID:         uuid.New().String(),
		OrderID:    orderID,
		ProductID:  productID,
		CustomerID: customerID,
		Quantity:   quantity,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Release marks the reservation released; it can happen only once
func (r *StockReservation) Release(reason string, now time.Time) error {
	if r.IsReleased {
		return fmt.Errorf("%w: %s", ErrAlreadyReleased, r.ID)
	}
	r.IsReleased = true
	r.ReleasedAt = TimePtr(now)
	r.ReleaseReason = StringPtr(reason)
	return nil
}

func (r *StockReservation) IsExpired(now time.Time) bool {
	return !r.IsReleased && r.ExpiresAt.Before(now)
}
