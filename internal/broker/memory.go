package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// MemoryBus delivers events to in-process subscribers
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]Handler),
		logger:   util.GetLogger(),
	}
}

// Subscribe registers a handler for every future publish of eventType
func (b *MemoryBus) Subscribe(eventType string, handler Handler) error {
	if _, err := models.NewEvent(eventType); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Publish runs every subscriber of the event concurrently and waits for all of them.
// The returned error joins the failures of individual handlers.
func (b *MemoryBus) Publish(ctx context.Context, event models.Event) error {
	stampEnvelope(event)
	eventType := event.EventType()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	util.EventsPublishedTotal.WithLabelValues(eventType).Inc()

	if len(handlers) == 0 {
		b.logger.Debug("No subscribers for event", eventFields(event)...)
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = invoke(ctx, h, event)
		}(i, h)
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		util.EventsDeliveredTotal.WithLabelValues(eventType, "failed").Inc()
		b.logger.Error("Event handler failed", append(eventFields(event), zap.Error(err))...)
		return err
	}

	util.EventsDeliveredTotal.WithLabelValues(eventType, "ok").Inc()
	return nil
}

// invoke calls h and turns a panic into an error
func invoke(ctx context.Context, h Handler, event models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", event.EventType(), r)
		}
	}()
	return h(ctx, event)
}
