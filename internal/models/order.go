package models

import (
	"fmt"
	"time"
)

// Confirm moves a pending order to Confirmed
func (o *Order) Confirm(paymentID string, now time.Time) error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: only pending orders can be confirmed, order %s is %s",
			ErrInvalidStateTransition, o.ID, o.Status)
	}
	o.Status = OrderStatusConfirmed
	o.PaymentID = StringPtr(paymentID)
	o.ConfirmedAt = TimePtr(now)
	return nil
}

// Cancel moves the order to Cancelled unless it is already terminal
func (o *Order) Cancel(reason string, now time.Time) error {
	if o.Status == OrderStatusDelivered || o.Status == OrderStatusCancelled {
		return fmt.Errorf("%w: cannot cancel order %s in %s status",
			ErrInvalidStateTransition, o.ID, o.Status)
	}
	o.Status = OrderStatusCancelled
	o.CancelledAt = TimePtr(now)
	o.CancellationReason = StringPtr(reason)
	return nil
}

// CanBeCancelled reports whether a customer may still cancel the order
func (o *Order) CanBeCancelled(now time.Time, window time.Duration) bool {
	if o.Status == OrderStatusDelivered || o.Status == OrderStatusCancelled {
		return false
	}
	return now.Sub(o.CreatedAt) <= window
}

// CanBeRetried reports whether a cancelled order may be sent through the saga again
func (o *Order) CanBeRetried(now time.Time, window time.Duration) bool {
	return o.Status == OrderStatusCancelled && now.Sub(o.CreatedAt) <= window
}

// ResetForRetry clears the outcome of the previous attempt and returns the order to Pending
func (o *Order) ResetForRetry() error {
	if o.Status != OrderStatusCancelled {
		return fmt.Errorf("%w: only cancelled orders can be retried, order %s is %s",
			ErrInvalidStateTransition, o.ID, o.Status)
	}
	o.Status = OrderStatusPending
	o.CancelledAt = nil
	o.CancellationReason = nil
	o.StockReservationID = nil
	o.PaymentID = nil
	o.ConfirmedAt = nil
	return nil
}

// Ship moves a confirmed order to Shipped
func (o *Order) Ship(trackingNumber, carrier string, now time.Time) error {
	if o.Status != OrderStatusConfirmed {
		return fmt.Errorf("%w: only confirmed orders can be shipped, order %s is %s",
			ErrInvalidStateTransition, o.ID, o.Status)
	}
	o.Status = OrderStatusShipped
	o.TrackingNumber = StringPtr(trackingNumber)
	o.Carrier = StringPtr(carrier)
	o.ShippedAt = TimePtr(now)
	return nil
}

// ReservationID returns the held reservation id or an empty string
func (o *Order) ReservationID() string {
	if o.StockReservationID == nil {
		return ""
	}
	return *o.StockReservationID
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}
