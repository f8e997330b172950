package worker

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// OrderQueue hands out queued order ids, priority lane first
type OrderQueue interface {
	TryDequeue() (orderID string, isPriority bool, ok bool)
}

// SagaStarter starts the saga of a pending order
type SagaStarter interface {
	StartOrderFlow(ctx context.Context, orderID string) error
}

// Dispatcher drains the order queue into the saga
type Dispatcher struct {
	queue  OrderQueue
	saga   SagaStarter
	logger *zap.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(queue OrderQueue, saga SagaStarter) *Dispatcher {
	return &Dispatcher{
		queue:  queue,
		saga:   saga,
		logger: util.GetLogger(),
	}
}

// Loop wraps the dispatcher in a background loop. idle is the wait after the queue
// runs dry and errorBackoff the wait after a failed dispatch.
func (d *Dispatcher) Loop(idle, errorBackoff time.Duration) *Loop {
	return NewLoop("order-dispatcher", idle, errorBackoff, d.Drain)
}

// Drain dispatches queued orders until the queue is empty. An order whose saga
// could not be started is dropped and stays Pending.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for ctx.Err() == nil {
		orderID, priority, ok := d.queue.TryDequeue()
		if !ok {
			return nil
		}

		if priority {
			d.logger.Info("Dispatching VIP order", zap.String("order_id", orderID))
		} else {
			d.logger.Debug("Dispatching order", zap.String("order_id", orderID))
		}

		if err := d.saga.StartOrderFlow(ctx, orderID); err != nil {
			return fmt.Errorf("failed to dispatch order %s: %w", orderID, err)
		}
	}
	return ctx.Err()
}
