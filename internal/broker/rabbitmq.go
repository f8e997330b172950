package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	headerRetryCount         = "retry-count"
	headerOriginalRoutingKey = "original-routing-key"
	headerDeadLetterReason   = "dead-letter-reason"

	queuePrefix = "queue."
	dlqPrefix   = "dlq."
)

var errNotConnected = errors.New("rabbitmq bus is not connected")

// RabbitMQConfig configures the durable bus
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	MaxRetries     int
	Prefetch       int
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
}

// amqpPublisher is the publishing side of *amqp.Channel
type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQBus is a durable bus with one queue and one sequential consumer per event type.
// Failed deliveries are republished with an incremented retry-count header and moved to
// dlq.<EventType> once the retry budget is spent.
type RabbitMQBus struct {
	cfg    RabbitMQConfig
	logger *zap.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	publisher amqpPublisher
	confirms  chan amqp.Confirmation
	handlers  map[string][]Handler
	consuming map[string]bool

	// serializes publish and confirmation wait
	pubMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRabbitMQBus dials the broker, declares the exchange and starts the reconnect monitor.
// It fails when the broker cannot be reached.
func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	b := newRabbitMQBus(cfg, nil)
	if err := b.connect(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	b.wg.Add(1)
	go b.handleReconnect()
	return b, nil
}

func newRabbitMQBus(cfg RabbitMQConfig, publisher amqpPublisher) *RabbitMQBus {
	if cfg.Exchange == "" {
		cfg.Exchange = "order-fulfillment.events"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RabbitMQBus{
		cfg:       cfg,
		logger:    util.GetLogger().With(zap.String("component", "rabbitmq_bus")),
		publisher: publisher,
		handlers:  make(map[string][]Handler),
		consuming: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *RabbitMQBus) connect() error {
	b.logger.Info("Connecting to RabbitMQ", zap.String("exchange", b.cfg.Exchange))

	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.ExchangeDeclare(
		b.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", b.cfg.Exchange, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.publisher = ch
	b.confirms = confirms
	b.consuming = make(map[string]bool)
	eventTypes := make([]string, 0, len(b.handlers))
	for eventType := range b.handlers {
		eventTypes = append(eventTypes, eventType)
		b.consuming[eventType] = true
	}
	b.mu.Unlock()

	for _, eventType := range eventTypes {
		if err := b.startConsumer(conn, eventType); err != nil {
			conn.Close()
			return err
		}
	}

	b.logger.Info("RabbitMQ connected", zap.Int("consumers", len(eventTypes)))
	return nil
}

func (b *RabbitMQBus) declareTopology(ch *amqp.Channel, eventType string) error {
	queue := queuePrefix + eventType
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, eventType, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	dlq := dlqPrefix + eventType
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
	}
	return nil
}

func (b *RabbitMQBus) startConsumer(conn *amqp.Connection, eventType string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel for %s: %w", eventType, err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := b.declareTopology(ch, eventType); err != nil {
		ch.Close()
		return err
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(
		queuePrefix+eventType, // queue
		"",                    // consumer tag
		false,                 // auto-ack
		false,                 // exclusive
		false,                 // no-local
		false,                 // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer for %s: %w", eventType, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		lost := b.consume(eventType, deliveries, closed)
		ch.Close()
		if lost {
			b.restartConsumer(eventType,
				func() bool { return b.isCurrent(conn) },
				func() error { return b.startConsumer(conn, eventType) })
		}
	}()

	b.logger.Info("Consumer started", zap.String("queue", queuePrefix+eventType))
	return nil
}

// consume processes deliveries one at a time until the channel closes or the bus shuts down.
// It reports whether the consumer was lost while the bus is still running.
func (b *RabbitMQBus) consume(eventType string, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) bool {
	for {
		select {
		case <-b.ctx.Done():
			return false
		case amqpErr := <-closed:
			b.logger.Warn("Consumer channel closed", zap.String("event_type", eventType), zap.Any("reason", amqpErr))
			return b.ctx.Err() == nil
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn("Delivery channel closed, consumer stopping", zap.String("event_type", eventType))
				return b.ctx.Err() == nil
			}
			b.handleDelivery(b.ctx, d)
		}
	}
}

// restartConsumer reopens a single consumer whose channel died while its connection
// stayed up. A lost connection is left to handleReconnect, which restarts every consumer.
func (b *RabbitMQBus) restartConsumer(eventType string, alive func() bool, start func() error) {
	for attempt := 1; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.cfg.ReconnectDelay):
		}

		if !alive() {
			return
		}
		if err := start(); err != nil {
			b.logger.Error("Consumer restart failed",
				zap.String("event_type", eventType),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		b.logger.Info("Consumer restarted", zap.String("event_type", eventType), zap.Int("attempt", attempt))
		return
	}
}

// isCurrent reports whether conn is the bus's open connection
func (b *RabbitMQBus) isCurrent(conn *amqp.Connection) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return conn != nil && b.conn == conn && !conn.IsClosed()
}

// Subscribe registers a handler and starts the queue consumer for eventType if it is not running
func (b *RabbitMQBus) Subscribe(eventType string, handler Handler) error {
	if _, err := models.NewEvent(eventType); err != nil {
		return err
	}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	conn := b.conn
	start := conn != nil && !b.consuming[eventType]
	if start {
		b.consuming[eventType] = true
	}
	b.mu.Unlock()

	if !start {
		return nil
	}
	if err := b.startConsumer(conn, eventType); err != nil {
		b.mu.Lock()
		b.consuming[eventType] = false
		b.mu.Unlock()
		return err
	}
	return nil
}

// Publish sends the event to the exchange with its type as routing key and waits for the broker confirm
func (b *RabbitMQBus) Publish(ctx context.Context, event models.Event) error {
	stampEnvelope(event)
	eventType := event.EventType()
	base := event.Base()

	ctx, span := util.StartSpan(ctx, "RabbitMQBus.Publish")
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := amqp.Table{headerRetryCount: int32(0)}
	injectTrace(ctx, headers)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: base.CorrelationID,
		MessageId:     base.EventID,
		Timestamp:     base.OccurredAt,
		Type:          eventType,
		Body:          body,
	}

	if err := b.publish(ctx, b.cfg.Exchange, eventType, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	util.EventsPublishedTotal.WithLabelValues(eventType).Inc()
	b.logger.Debug("Published event", eventFields(event)...)
	return nil
}

func (b *RabbitMQBus) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.mu.RLock()
	pub, confirms := b.publisher, b.confirms
	b.mu.RUnlock()
	if pub == nil {
		return errNotConnected
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// a confirm that arrived after an earlier timeout belongs to that publish
	for drained := false; confirms != nil && !drained; {
		select {
		case <-confirms:
		default:
			drained = true
		}
	}

	if err := pub.Publish(exchange, key, false, false, msg); err != nil {
		return err
	}
	if confirms == nil {
		return nil
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return errNotConnected
		}
		if !confirm.Ack {
			return errors.New("message published but not confirmed")
		}
		return nil
	case <-timer.C:
		return errors.New("publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleDelivery runs the handlers for one delivery and always acknowledges it.
// Failures are republished with an incremented retry-count or dead-lettered.
func (b *RabbitMQBus) handleDelivery(ctx context.Context, d amqp.Delivery) {
	eventType := d.RoutingKey
	logger := b.logger.With(
		zap.String("event_type", eventType),
		zap.String("message_id", d.MessageId),
		zap.String("correlation_id", d.CorrelationId))

	event, err := models.DecodeEvent(eventType, d.Body)
	if err != nil {
		logger.Error("Undecodable message, dead-lettering", zap.Error(err))
		b.deadLetter(d, eventType, err)
		b.ack(d, logger)
		return
	}

	ctx = extractTrace(ctx, d.Headers)
	ctx, span := util.StartSpan(ctx, "RabbitMQBus.Consume "+eventType)
	defer span.End()

	err = b.dispatch(ctx, eventType, event)
	if err == nil {
		util.EventsDeliveredTotal.WithLabelValues(eventType, "ok").Inc()
		b.ack(d, logger)
		return
	}

	util.EventsDeliveredTotal.WithLabelValues(eventType, "failed").Inc()
	retries := retryCount(d.Headers)
	logger = logger.With(zap.String("order_id", event.AggregateID()), zap.Int("retry_count", retries))

	if retries >= b.cfg.MaxRetries {
		logger.Error("Retries exhausted, dead-lettering", zap.Error(err))
		b.deadLetter(d, eventType, err)
	} else {
		logger.Warn("Handler failed, scheduling retry", zap.Error(err))
		b.retry(d, retries+1, logger)
	}
	b.ack(d, logger)
}

func (b *RabbitMQBus) dispatch(ctx context.Context, eventType string, event models.Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := invoke(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *RabbitMQBus) retry(d amqp.Delivery, retries int, logger *zap.Logger) {
	headers := copyTable(d.Headers)
	headers[headerRetryCount] = int32(retries)

	if err := b.publish(b.ctx, b.cfg.Exchange, d.RoutingKey, republishing(d, headers)); err != nil {
		logger.Error("Failed to republish message for retry", zap.Error(err))
		return
	}
	util.EventsRetriedTotal.WithLabelValues(d.RoutingKey).Inc()
}

func (b *RabbitMQBus) deadLetter(d amqp.Delivery, eventType string, cause error) {
	headers := copyTable(d.Headers)
	headers[headerOriginalRoutingKey] = d.RoutingKey
	headers[headerDeadLetterReason] = cause.Error()

	if err := b.publish(b.ctx, "", dlqPrefix+eventType, republishing(d, headers)); err != nil {
		b.logger.Error("Failed to publish message to dead-letter queue",
			zap.String("event_type", eventType),
			zap.String("message_id", d.MessageId),
			zap.Error(err))
		return
	}
	util.EventsDeadLetteredTotal.WithLabelValues(eventType).Inc()
}

func (b *RabbitMQBus) ack(d amqp.Delivery, logger *zap.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Error("Failed to ack delivery", zap.Error(err))
	}
}

// handleReconnect waits for connection loss and reconnects until the bus is closed
func (b *RabbitMQBus) handleReconnect() {
	defer b.wg.Done()

	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.ctx.Done():
			return
		case amqpErr := <-closed:
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn("RabbitMQ connection lost", zap.Any("reason", amqpErr))
		}

		b.mu.Lock()
		b.conn = nil
		b.publisher = nil
		b.confirms = nil
		b.mu.Unlock()

		if !b.reconnect() {
			return
		}
	}
}

func (b *RabbitMQBus) reconnect() bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(b.cfg.ReconnectDelay):
		}

		if err := b.connect(); err != nil {
			b.logger.Error("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		b.logger.Info("RabbitMQ reconnected", zap.Int("attempt", attempt))
		return true
	}
}

// Close stops the consumers and closes the connection
func (b *RabbitMQBus) Close() error {
	b.cancel()

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.publisher = nil
	b.confirms = nil
	b.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func republishing(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		Body:            d.Body,
	}
}

func copyTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+2)
	for k, v := range t {
		out[k] = v
	}
	return out
}

func retryCount(headers amqp.Table) int {
	switch v := headers[headerRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

func injectTrace(ctx context.Context, headers amqp.Table) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
}

func extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
