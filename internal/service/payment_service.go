package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paymentConsumer = "payment"

// ErrGatewayTimeout is returned by a PaymentGateway that did not answer in time
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// ChargeResult is the provider's answer to a charge
type ChargeResult struct {
	Approved      bool
	TransactionID string
	DeclineReason string
}

// PaymentGateway talks to the payment provider
type PaymentGateway interface {
	Charge(ctx context.Context, payment *models.Payment) (*ChargeResult, error)
	Refund(ctx context.Context, payment *models.Payment) (string, error)
}

// MockGateway simulates a provider that approves, times out or declines at fixed rates
type MockGateway struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	successRate float64
	timeoutRate float64
	latency     time.Duration
}

// NewMockGateway creates a simulated provider. Whatever is left after the success
// and timeout rates is declined.
func NewMockGateway(successRate, timeoutRate float64, latency time.Duration, rnd *rand.Rand) *MockGateway {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MockGateway{
		rnd:         rnd,
		successRate: successRate,
		timeoutRate: timeoutRate,
		latency:     latency,
	}
}

// Charge simulates a charge
func (g *MockGateway) Charge(ctx context.Context, payment *models.Payment) (*ChargeResult, error) {
	if err := sleepCtx(ctx, g.latency); err != nil {
		return nil, err
	}

	g.mu.Lock()
	roll := g.rnd.Float64()
	g.mu.Unlock()

	switch {
	case roll < g.successRate:
		return &ChargeResult{Approved: true, TransactionID: transactionID("", 16)}, nil
	case roll < g.successRate+g.timeoutRate:
		return nil, ErrGatewayTimeout
	default:
		return &ChargeResult{DeclineReason: "Insufficient funds"}, nil
	}
}

// Refund simulates a refund and returns the refund transaction id
func (g *MockGateway) Refund(ctx context.Context, payment *models.Payment) (string, error) {
	if err := sleepCtx(ctx, g.latency); err != nil {
		return "", err
	}
	return transactionID("REF-", 12), nil
}

func transactionID(prefix string, n int) string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return prefix + raw[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PaymentConfig holds the charge and fraud rules
type PaymentConfig struct {
	MaxAttempts          int
	RetryDelay           time.Duration
	FraudAmountThreshold decimal.Decimal
	FraudRetryThreshold  int
}

// PaymentService charges orders whose stock was reserved and refunds cancelled ones
type PaymentService struct {
	repo    PaymentRepository
	gateway PaymentGateway
	bus     broker.Bus
	cfg     PaymentConfig
	now     func() time.Time
	logger  *zap.Logger

	// one refund decision at a time; a cancellation can be announced twice
	refundMu sync.Mutex
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo PaymentRepository, gateway PaymentGateway, bus broker.Bus, cfg PaymentConfig) *PaymentService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FraudAmountThreshold.IsZero() {
		cfg.FraudAmountThreshold = decimal.NewFromInt(100000)
	}
	if cfg.FraudRetryThreshold <= 0 {
		cfg.FraudRetryThreshold = 3
	}
	return &PaymentService{
		repo:    repo,
		gateway: gateway,
		bus:     bus,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  util.GetLogger(),
	}
}

// Subscribe registers the StockReserved and OrderCancelled handlers. processed may be nil.
func (ps *PaymentService) Subscribe(processed broker.ProcessedEventStore) error {
	mw := middleware(processed, paymentConsumer)
	if err := broker.Handle(ps.bus, models.EventTypeStockReserved, ps.HandleStockReserved, mw...); err != nil {
		return err
	}
	return broker.Handle(ps.bus, models.EventTypeOrderCancelled, ps.HandleOrderCancelled, mw...)
}

// HandleStockReserved charges the order once its stock is held
func (ps *PaymentService) HandleStockReserved(ctx context.Context, event *models.StockReservedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleStockReserved")
	defer span.End()

	logger := ps.logger.With(zap.String("order_id", event.OrderID), zap.String("correlation_id", event.CorrelationID))

	if !event.Success {
		logger.Debug("Skipping payment, stock reservation failed")
		return nil
	}

	existing, err := ps.repo.GetPaymentByOrderID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}

	var payment *models.Payment
	switch {
	case existing != nil && existing.ReservationID == event.ReservationID && existing.IsTerminal():
		logger.Info("Payment already processed for reservation",
			zap.String("payment_id", existing.ID),
			zap.String("status", existing.Status))
		return nil
	case existing != nil && existing.ReservationID == event.ReservationID:
		payment = existing
	default:
		payment = &models.Payment{
			ID:            uuid.New().String(),
			OrderID:       event.OrderID,
			ReservationID: event.ReservationID,
			CustomerID:    event.CustomerID,
			Amount:        event.TotalAmount,
			Status:        models.PaymentStatusPending,
			CreatedAt:     ps.now(),
		}
		if existing != nil {
			payment.RetryCount = existing.RetryCount + 1
		}
		if err := ps.repo.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
	}

	return ps.process(ctx, payment, event.CorrelationID)
}

func (ps *PaymentService) process(ctx context.Context, payment *models.Payment, correlationID string) error {
	logger := ps.logger.With(
		zap.String("order_id", payment.OrderID),
		zap.String("payment_id", payment.ID),
		zap.String("correlation_id", correlationID))

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if reason, fraud := ps.fraudCheck(payment); fraud {
		logger.Warn("Fraud detected", zap.String("reason", reason))
		payment.IsFraudulent = true
		return ps.fail(ctx, payment, models.PaymentStatusFailed, reason, correlationID)
	}

	payment.Status = models.PaymentStatusProcessing
	if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	for attempt := 1; ; attempt++ {
		result, err := ps.gateway.Charge(ctx, payment)
		if errors.Is(err, ErrGatewayTimeout) {
			logger.Warn("Payment gateway timeout", zap.Int("attempt", attempt))
			if attempt < ps.cfg.MaxAttempts {
				if err := sleepCtx(ctx, ps.cfg.RetryDelay); err != nil {
					return err
				}
				continue
			}
			reason := fmt.Sprintf("Payment gateway timeout after %d attempts", attempt)
			return ps.fail(ctx, payment, models.PaymentStatusTimeout, reason, correlationID)
		}
		if err != nil {
			return fmt.Errorf("payment gateway error: %w", err)
		}

		payment.ProcessedAt = models.TimePtr(ps.now())
		if result.Approved {
			payment.Status = models.PaymentStatusSuccess
			payment.TransactionID = models.StringPtr(result.TransactionID)
			util.PaymentOutcomesTotal.WithLabelValues("success").Inc()
			logger.Info("Payment succeeded", zap.String("transaction_id", result.TransactionID))
		} else {
			payment.Status = models.PaymentStatusFailed
			payment.FailureReason = models.StringPtr(result.DeclineReason)
			util.PaymentOutcomesTotal.WithLabelValues("declined").Inc()
			logger.Warn("Payment declined", zap.String("reason", result.DeclineReason))
		}
		if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		event := &models.PaymentProcessedEvent{
			BaseEvent:     models.BaseEvent{CorrelationID: correlationID},
			OrderID:       payment.OrderID,
			PaymentID:     payment.ID,
			Success:       result.Approved,
			Amount:        payment.Amount,
			TransactionID: result.TransactionID,
			FailureReason: result.DeclineReason,
		}
		if err := ps.bus.Publish(ctx, event); err != nil {
			return fmt.Errorf("failed to publish PaymentProcessed: %w", err)
		}
		return nil
	}
}

func (ps *PaymentService) fraudCheck(payment *models.Payment) (string, bool) {
	var triggers []string
	if payment.Amount.GreaterThan(ps.cfg.FraudAmountThreshold) {
		triggers = append(triggers, "amount over limit")
	}
	if payment.RetryCount > ps.cfg.FraudRetryThreshold {
		triggers = append(triggers, "too many retries")
	}
	if len(triggers) == 0 {
		return "", false
	}
	return "Fraud detection triggered: " + strings.Join(triggers, ", "), true
}

func (ps *PaymentService) fail(ctx context.Context, payment *models.Payment, status, reason, correlationID string) error {
	payment.Status = status
	payment.FailureReason = models.StringPtr(reason)
	payment.ProcessedAt = models.TimePtr(ps.now())
	if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	util.PaymentOutcomesTotal.WithLabelValues(strings.ToLower(status)).Inc()

	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{CorrelationID: correlationID},
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Reason:    reason,
	}
	if err := ps.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish PaymentFailed: %w", err)
	}
	return nil
}

// HandleOrderCancelled refunds a successful payment of a cancelled order. A payment
// still in flight is refunded when the cancellation is announced again after it lands.
func (ps *PaymentService) HandleOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleOrderCancelled")
	defer span.End()

	ps.refundMu.Lock()
	defer ps.refundMu.Unlock()

	logger := ps.logger.With(zap.String("order_id", event.OrderID), zap.String("correlation_id", event.CorrelationID))

	payment, err := ps.repo.GetPaymentByOrderID(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		logger.Info("No payment found, skipping refund")
		return nil
	}
	if payment.Status != models.PaymentStatusSuccess {
		logger.Info("Payment is not refundable", zap.String("payment_id", payment.ID), zap.String("status", payment.Status))
		return nil
	}

	refundID, err := ps.gateway.Refund(ctx, payment)
	if err != nil {
		return fmt.Errorf("failed to refund payment %s: %w", payment.ID, err)
	}

	payment.Status = models.PaymentStatusRefunded
	payment.RefundedAt = models.TimePtr(ps.now())
	if err := ps.repo.UpdatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	util.PaymentRefundsTotal.Inc()
	logger.Info("Payment refunded",
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refundID),
		zap.String("reason", event.Reason))
	return nil
}

// GetPayment returns the latest payment of an order
func (ps *PaymentService) GetPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	payment, err := ps.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	return payment, nil
}
