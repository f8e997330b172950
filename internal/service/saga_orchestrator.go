package service

import (
	"context"
	"fmt"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

const sagaConsumer = "saga"

// Cancellation labels used on the orders_cancelled_total metric
const (
	cancelReasonStock    = "stock"
	cancelReasonPayment  = "payment"
	cancelReasonCustomer = "customer"
)

// SagaOrchestrator drives orders through the fulfillment saga. It keeps no per-order
// state; every decision is taken from the persisted order status.
type SagaOrchestrator struct {
	orderTransitions
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(orders OrderRepository, bus broker.Bus, conflictRetries int) *SagaOrchestrator {
	return &SagaOrchestrator{orderTransitions: newOrderTransitions(orders, bus, conflictRetries)}
}

// Subscribe registers the saga handlers. processed may be nil.
func (so *SagaOrchestrator) Subscribe(processed broker.ProcessedEventStore) error {
	mw := middleware(processed, sagaConsumer)
	if err := broker.Handle(so.bus, models.EventTypeStockReserved, so.HandleStockReserved, mw...); err != nil {
		return err
	}
	if err := broker.Handle(so.bus, models.EventTypePaymentProcessed, so.HandlePaymentProcessed, mw...); err != nil {
		return err
	}
	return broker.Handle(so.bus, models.EventTypePaymentFailed, so.HandlePaymentFailed, mw...)
}

// StartOrderFlow publishes OrderCreated for a pending order
func (so *SagaOrchestrator) StartOrderFlow(ctx context.Context, orderID string) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.StartOrderFlow")
	defer span.End()

	order, err := so.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if order.Status != models.OrderStatusPending {
		so.logger.Info("Order is no longer pending, not starting saga",
			zap.String("order_id", orderID),
			zap.String("status", order.Status))
		return nil
	}

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.BaseEvent{CorrelationID: order.CorrelationID},
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		TotalAmount: order.TotalAmount,
		IsVIP:       order.IsVIP,
		Items:       items,
	}
	if err := so.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish OrderCreated: %w", err)
	}

	so.logger.Info("Saga started",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", order.CorrelationID),
		zap.Bool("vip", order.IsVIP))
	return nil
}

// HandleStockReserved records the reservation or cancels the order when stock could not be held
func (so *SagaOrchestrator) HandleStockReserved(ctx context.Context, event *models.StockReservedEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandleStockReserved")
	defer span.End()

	logger := so.logger.With(zap.String("order_id", event.OrderID), zap.String("correlation_id", event.CorrelationID))

	if !event.Success {
		reason := fmt.Sprintf("Stock reservation failed: %s", event.FailureReason)
		_, changed, err := so.cancel(ctx, event.OrderID, reason, cancelReasonStock, false, pendingOnly)
		if err != nil {
			return err
		}
		if !changed {
			logger.Info("Ignoring failed reservation for order that is not pending")
		}
		return nil
	}

	var late bool
	order, changed, err := so.update(ctx, event.OrderID, "stock_reserved", func(o *models.Order) (bool, error) {
		late = o.Status == models.OrderStatusCancelled
		if late || o.StockReservationID != nil {
			return false, nil
		}
		o.StockReservationID = models.StringPtr(event.ReservationID)
		return true, nil
	})
	if err != nil {
		return err
	}

	if late {
		// nothing will pay for this stock any more
		logger.Warn("Stock reserved for cancelled order, releasing", zap.String("reservation_id", event.ReservationID))
		released := &models.StockReleasedEvent{
			BaseEvent:     models.BaseEvent{CorrelationID: event.CorrelationID},
			OrderID:       event.OrderID,
			ReservationID: event.ReservationID,
		}
		if err := so.bus.Publish(ctx, released); err != nil {
			return fmt.Errorf("failed to publish StockReleased: %w", err)
		}
		return nil
	}

	if changed {
		logger.Info("Stock reserved, awaiting payment", zap.String("reservation_id", order.ReservationID()))
	}
	return nil
}

// HandlePaymentProcessed confirms the order on success and compensates otherwise
func (so *SagaOrchestrator) HandlePaymentProcessed(ctx context.Context, event *models.PaymentProcessedEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentProcessed")
	defer span.End()

	if !event.Success {
		return so.CompensateFailedOrder(ctx, event.OrderID, fmt.Sprintf("Payment failed: %s", event.FailureReason))
	}

	logger := so.logger.With(zap.String("order_id", event.OrderID), zap.String("correlation_id", event.CorrelationID))

	var status string
	order, changed, err := so.update(ctx, event.OrderID, "confirm", func(o *models.Order) (bool, error) {
		status = o.Status
		if o.Status != models.OrderStatusPending {
			return false, nil
		}
		if err := o.Confirm(event.PaymentID, so.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !changed {
		if status == models.OrderStatusCancelled {
			return so.refundCancelled(ctx, order, event)
		}
		logger.Info("Order already past pending, ignoring payment", zap.String("status", status))
		return nil
	}

	util.OrdersConfirmedTotal.Inc()
	logger.Info("Order confirmed", zap.String("payment_id", event.PaymentID))

	confirmed := &models.OrderConfirmedEvent{
		BaseEvent: models.BaseEvent{CorrelationID: order.CorrelationID},
		OrderID:   order.ID,
	}
	if err := so.bus.Publish(ctx, confirmed); err != nil {
		return fmt.Errorf("failed to publish OrderConfirmed: %w", err)
	}
	return nil
}

// refundCancelled announces the cancellation again once a charge that was in flight
// during it has been captured, so the payment side refunds it.
func (so *SagaOrchestrator) refundCancelled(ctx context.Context, order *models.Order, event *models.PaymentProcessedEvent) error {
	so.logger.Warn("Payment captured for cancelled order, requesting refund",
		zap.String("order_id", event.OrderID),
		zap.String("payment_id", event.PaymentID),
		zap.String("correlation_id", event.CorrelationID))

	reason := "Payment captured after cancellation"
	if order != nil && order.CancellationReason != nil {
		reason = *order.CancellationReason
	}
	cancelled := &models.OrderCancelledEvent{
		BaseEvent: models.BaseEvent{CorrelationID: event.CorrelationID},
		OrderID:   event.OrderID,
		Reason:    reason,
	}
	if err := so.bus.Publish(ctx, cancelled); err != nil {
		return fmt.Errorf("failed to publish OrderCancelled: %w", err)
	}
	return nil
}

// HandlePaymentFailed compensates the order
func (so *SagaOrchestrator) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentFailed")
	defer span.End()

	return so.CompensateFailedOrder(ctx, event.OrderID, fmt.Sprintf("Payment failed: %s", event.Reason))
}

// CompensateFailedOrder releases held stock and cancels a pending order. A payment
// outcome implies a successful reservation, so the release is published even if the
// saga has not recorded the reservation id yet.
func (so *SagaOrchestrator) CompensateFailedOrder(ctx context.Context, orderID, reason string) error {
	so.logger.Warn("Compensating order", zap.String("order_id", orderID), zap.String("reason", reason))

	_, changed, err := so.cancel(ctx, orderID, reason, cancelReasonPayment, true, pendingOnly)
	if err != nil {
		return err
	}
	if !changed {
		so.logger.Info("Order is not pending, nothing to compensate", zap.String("order_id", orderID))
	}
	return nil
}

func pendingOnly(o *models.Order) (bool, error) {
	return o.Status == models.OrderStatusPending, nil
}
