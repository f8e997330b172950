package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// orderTransitions applies status changes to orders under the version CAS.
// Shared by the saga and the order command service.
type orderTransitions struct {
	orders  OrderRepository
	bus     broker.Bus
	retries int
	now     func() time.Time
	logger  *zap.Logger
}

func newOrderTransitions(orders OrderRepository, bus broker.Bus, retries int) orderTransitions {
	if retries <= 0 {
		retries = 3
	}
	return orderTransitions{
		orders:  orders,
		bus:     bus,
		retries: retries,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  util.GetLogger(),
	}
}

// update loads the order, lets fn mutate it and writes it back. fn returns false to
// leave the order untouched. The whole attempt is redone on a version conflict.
func (t *orderTransitions) update(ctx context.Context, orderID, op string, fn func(*models.Order) (bool, error)) (*models.Order, bool, error) {
	for attempt := 1; ; attempt++ {
		order, err := t.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load order %s: %w", orderID, err)
		}

		changed, err := fn(order)
		if err != nil || !changed {
			return order, false, err
		}

		err = t.orders.UpdateOrder(ctx, order)
		if err == nil {
			return order, true, nil
		}
		if errors.Is(err, models.ErrConcurrencyConflict) {
			util.ConcurrencyConflictsTotal.WithLabelValues(op).Inc()
			if attempt < t.retries {
				t.logger.Warn("Concurrency conflict while updating order, retrying",
					zap.String("order_id", orderID),
					zap.String("operation", op),
					zap.Int("attempt", attempt))
				continue
			}
		}
		return nil, false, fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
}

// cancel moves the order to Cancelled when allow accepts it. StockReleased goes out
// before the write and OrderCancelled after it. stockHeld forces the release even when
// the reservation id has not been recorded on the order yet.
func (t *orderTransitions) cancel(ctx context.Context, orderID, reason, label string, stockHeld bool, allow func(*models.Order) (bool, error)) (*models.Order, bool, error) {
	order, changed, err := t.update(ctx, orderID, "cancel", func(o *models.Order) (bool, error) {
		ok, err := allow(o)
		if err != nil || !ok {
			return false, err
		}
		if rid := o.ReservationID(); rid != "" || stockHeld {
			released := &models.StockReleasedEvent{
				BaseEvent:     models.BaseEvent{CorrelationID: o.CorrelationID},
				OrderID:       o.ID,
				ReservationID: rid,
			}
			if err := t.bus.Publish(ctx, released); err != nil {
				return false, fmt.Errorf("failed to publish StockReleased: %w", err)
			}
		}
		if err := o.Cancel(reason, t.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil || !changed {
		return order, changed, err
	}

	util.OrdersCancelledTotal.WithLabelValues(label).Inc()
	t.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", order.CorrelationID),
		zap.String("reason", reason))

	cancelled := &models.OrderCancelledEvent{
		BaseEvent: models.BaseEvent{CorrelationID: order.CorrelationID},
		OrderID:   order.ID,
		Reason:    reason,
	}
	if err := t.bus.Publish(ctx, cancelled); err != nil {
		return order, true, fmt.Errorf("failed to publish OrderCancelled: %w", err)
	}
	return order, true, nil
}

// middleware returns the dedup middleware for consumer, or none without a store
func middleware(processed broker.ProcessedEventStore, consumer string) []broker.Middleware {
	if processed == nil {
		return nil
	}
	return []broker.Middleware{broker.WithIdempotency(processed, consumer)}
}
