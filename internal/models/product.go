package models

import (
	"fmt"
	"time"
)

// TotalQuantity is the conserved sum of available and reserved stock
func (p *Product) TotalQuantity() int {
	return p.AvailableQuantity + p.ReservedQuantity
}

func (p *Product) CanReserve(quantity int) bool {
	return p.AvailableQuantity >= quantity
}

// Reserve moves quantity from available to reserved
func (p *Product) Reserve(quantity int, now time.Time) error {
	if !p.CanReserve(quantity) {
		return fmt.Errorf("%w for product %s: available=%d, requested=%d",
			ErrInsufficientStock, p.ID, p.AvailableQuantity, quantity)
	}
	p.AvailableQuantity -= quantity
	p.ReservedQuantity += quantity
	p.UpdatedAt = TimePtr(now)
	return nil
}

// Release moves quantity from reserved back to available
func (p *Product) Release(quantity int, now time.Time) error {
	if p.ReservedQuantity < quantity {
		return fmt.Errorf("%w for product %s: reserved=%d, requested=%d",
			ErrOverRelease, p.ID, p.ReservedQuantity, quantity)
	}
	p.ReservedQuantity -= quantity
	p.AvailableQuantity += quantity
	p.UpdatedAt = TimePtr(now)
	return nil
}

func (p *Product) IsLowStock(threshold int) bool {
	return p.AvailableQuantity <= threshold
}
