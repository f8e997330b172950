package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"order-fulfillment/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestJournalBusMirrorsPublishedEvents(t *testing.T) {
	inner := NewMemoryBus()
	writer := &fakeWriter{}
	bus := NewJournalBus(inner, writer)

	var delivered string
	require.NoError(t, bus.Subscribe(models.EventTypeOrderConfirmed, func(ctx context.Context, e models.Event) error {
		delivered = e.Base().EventID
		return nil
	}))

	evt := &models.OrderConfirmedEvent{OrderID: "o1"}
	require.NoError(t, bus.Publish(context.Background(), evt))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "o1", string(msg.Key))
	assert.Equal(t, evt.EventID, delivered)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &wire))
	assert.Equal(t, evt.EventID, wire["id"])

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, models.EventTypeOrderConfirmed, headers["event-type"])
	assert.Equal(t, evt.CorrelationID, headers["correlation-id"])
}

func TestJournalBusSkipsFailedPublishes(t *testing.T) {
	inner := NewMemoryBus()
	writer := &fakeWriter{}
	bus := NewJournalBus(inner, writer)

	require.NoError(t, bus.Subscribe(models.EventTypeOrderConfirmed, func(ctx context.Context, e models.Event) error {
		return errors.New("handler failed")
	}))

	err := bus.Publish(context.Background(), &models.OrderConfirmedEvent{OrderID: "o1"})
	assert.Error(t, err)
	assert.Empty(t, writer.messages)
}

func TestJournalFailureDoesNotFailPublish(t *testing.T) {
	writer := &fakeWriter{err: errors.New("kafka down")}
	bus := NewJournalBus(NewMemoryBus(), writer)

	assert.NoError(t, bus.Publish(context.Background(), &models.OrderShippedEvent{OrderID: "o1"}))
	require.NoError(t, bus.Close())
	assert.True(t, writer.closed)
}
