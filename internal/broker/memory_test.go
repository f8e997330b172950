package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"order-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()

	var calls int32
	for i := 0; i < 3; i++ {
		require.NoError(t, Handle(bus, models.EventTypeOrderCreated, func(ctx context.Context, e *models.OrderCreatedEvent) error {
			assert.Equal(t, "o1", e.OrderID)
			atomic.AddInt32(&calls, 1)
			return nil
		}))
	}

	err := bus.Publish(context.Background(), &models.OrderCreatedEvent{OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMemoryBusRunsHandlersConcurrently(t *testing.T) {
	bus := NewMemoryBus()

	// each handler waits for the other, so a sequential bus would deadlock
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, bus.Subscribe(models.EventTypeOrderConfirmed, func(ctx context.Context, e models.Event) error {
			wg.Done()
			wg.Wait()
			return nil
		}))
	}

	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), &models.OrderConfirmedEvent{OrderID: "o1"}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete")
	}
}

func TestMemoryBusStampsEnvelope(t *testing.T) {
	bus := NewMemoryBus()

	var seen *models.BaseEvent
	require.NoError(t, bus.Subscribe(models.EventTypeOrderCancelled, func(ctx context.Context, e models.Event) error {
		seen = e.Base()
		return nil
	}))

	evt := &models.OrderCancelledEvent{OrderID: "o1", Reason: "test"}
	require.NoError(t, bus.Publish(context.Background(), evt))

	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.EventID)
	assert.NotEmpty(t, seen.CorrelationID)
	assert.False(t, seen.OccurredAt.IsZero())

	kept := &models.OrderCancelledEvent{BaseEvent: models.BaseEvent{CorrelationID: "corr-1"}, OrderID: "o2"}
	require.NoError(t, bus.Publish(context.Background(), kept))
	assert.Equal(t, "corr-1", seen.CorrelationID)
}

func TestMemoryBusJoinsHandlerErrorsAndRecoversPanics(t *testing.T) {
	bus := NewMemoryBus()
	boom := errors.New("boom")

	var okCalls int32
	require.NoError(t, bus.Subscribe(models.EventTypePaymentFailed, func(ctx context.Context, e models.Event) error {
		return boom
	}))
	require.NoError(t, bus.Subscribe(models.EventTypePaymentFailed, func(ctx context.Context, e models.Event) error {
		panic("handler exploded")
	}))
	require.NoError(t, bus.Subscribe(models.EventTypePaymentFailed, func(ctx context.Context, e models.Event) error {
		atomic.AddInt32(&okCalls, 1)
		return nil
	}))

	err := bus.Publish(context.Background(), &models.PaymentFailedEvent{OrderID: "o1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "handler exploded")
	assert.Equal(t, int32(1), atomic.LoadInt32(&okCalls))
}

func TestMemoryBusWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	assert.NoError(t, bus.Publish(context.Background(), &models.OrderShippedEvent{OrderID: "o1"}))
}

func TestMemoryBusRejectsUnknownEventType(t *testing.T) {
	bus := NewMemoryBus()
	err := bus.Subscribe("NotAnEvent", func(ctx context.Context, e models.Event) error { return nil })
	assert.Error(t, err)
}

func TestTypedRejectsWrongPayload(t *testing.T) {
	h := Typed(models.EventTypeOrderCreated, func(ctx context.Context, e *models.OrderCreatedEvent) error {
		return nil
	})
	err := h(context.Background(), &models.OrderShippedEvent{OrderID: "o1"})
	assert.Error(t, err)
}
