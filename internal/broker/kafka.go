package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the journal needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a Kafka writer for the event journal topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}

// JournalBus mirrors every successfully published event to a Kafka topic keyed by order id.
// Journal failures are logged and never fail the publish.
type JournalBus struct {
	Bus
	writer messageWriter
	logger *zap.Logger
}

// NewJournalBus wraps inner so its publishes are also written to the journal
func NewJournalBus(inner Bus, writer messageWriter) *JournalBus {
	return &JournalBus{
		Bus:    inner,
		writer: writer,
		logger: util.GetLogger().With(zap.String("component", "event_journal")),
	}
}

// Publish publishes through the wrapped bus and then journals the event
func (j *JournalBus) Publish(ctx context.Context, event models.Event) error {
	// stamp here so the journal and the bus carry the same envelope
	stampEnvelope(event)

	if err := j.Bus.Publish(ctx, event); err != nil {
		return err
	}

	if err := j.record(ctx, event); err != nil {
		j.logger.Warn("Failed to journal event", append(eventFields(event), zap.Error(err))...)
	}
	return nil
}

func (j *JournalBus) record(ctx context.Context, event models.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	base := event.Base()
	msg := kafka.Message{
		Key:   []byte(event.AggregateID()),
		Value: value,
		Time:  base.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.EventType())},
			{Key: "correlation-id", Value: []byte(base.CorrelationID)},
		},
	}
	return j.writer.WriteMessages(ctx, msg)
}

// Close closes the journal writer and the wrapped bus when it holds resources
func (j *JournalBus) Close() error {
	var errs []error
	if err := j.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := j.Bus.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
