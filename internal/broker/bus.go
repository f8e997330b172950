package broker

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler processes one event delivered by a Bus
type Handler func(ctx context.Context, event models.Event) error

// Middleware decorates a Handler
type Middleware func(Handler) Handler

// Bus is the publish/subscribe transport between the order, inventory and payment services
type Bus interface {
	Publish(ctx context.Context, event models.Event) error
	Subscribe(eventType string, handler Handler) error
}

// Typed adapts a handler for a concrete event type
func Typed[T models.Event](eventType string, fn func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, event models.Event) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("unexpected payload %T for event type %s", event, eventType)
		}
		return fn(ctx, typed)
	}
}

// Handle subscribes a typed handler, applying middleware outermost first
func Handle[T models.Event](bus Bus, eventType string, fn func(ctx context.Context, event T) error, middleware ...Middleware) error {
	h := Typed(eventType, fn)
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return bus.Subscribe(eventType, h)
}

// ProcessedEventStore remembers which events a consumer has already handled
type ProcessedEventStore interface {
	IsProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, consumer, eventID string) error
}

// Idempotent skips events the consumer already handled and records success afterwards
func Idempotent(store ProcessedEventStore, consumer string, next Handler) Handler {
	logger := loggerFor(consumer)
	return func(ctx context.Context, event models.Event) error {
		eventID := event.Base().EventID
		if eventID == "" {
			return next(ctx, event)
		}

		done, err := store.IsProcessed(ctx, consumer, eventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if done {
			logger.Info("Skipping already processed event",
				zap.String("event_id", eventID),
				zap.String("event_type", event.EventType()),
				zap.String("order_id", event.AggregateID()))
			return nil
		}

		if err := next(ctx, event); err != nil {
			return err
		}

		if err := store.MarkProcessed(ctx, consumer, eventID); err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		return nil
	}
}

// WithIdempotency is the Middleware form of Idempotent
func WithIdempotency(store ProcessedEventStore, consumer string) Middleware {
	return func(next Handler) Handler {
		return Idempotent(store, consumer, next)
	}
}

// stampEnvelope fills the envelope fields a publisher left empty
func stampEnvelope(event models.Event) {
	base := event.Base()
	if base.EventID == "" {
		base.EventID = uuid.New().String()
	}
	if base.OccurredAt.IsZero() {
		base.OccurredAt = time.Now().UTC()
	}
	if base.CorrelationID == "" {
		base.CorrelationID = uuid.New().String()
	}
}

func loggerFor(consumer string) *zap.Logger {
	return util.GetLogger().With(zap.String("consumer", consumer))
}

// eventFields are the log fields every bus log line carries
func eventFields(event models.Event) []zap.Field {
	base := event.Base()
	return []zap.Field{
		zap.String("event_type", event.EventType()),
		zap.String("event_id", base.EventID),
		zap.String("order_id", event.AggregateID()),
		zap.String("correlation_id", base.CorrelationID),
	}
}
