package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/queue"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderConfig holds the order command rules
type OrderConfig struct {
	CancellationWindow time.Duration
	ConflictRetries    int
}

// OrderService handles order commands. The saga itself runs asynchronously: orders
// are persisted as Pending and handed to the dispatch queue.
type OrderService struct {
	orderTransitions
	queue  *queue.PriorityQueue
	keys   IdempotencyKeys
	window time.Duration
}

// NewOrderService creates a new order service. keys may be nil.
func NewOrderService(orders OrderRepository, bus broker.Bus, q *queue.PriorityQueue, keys IdempotencyKeys, cfg OrderConfig) *OrderService {
	if cfg.CancellationWindow <= 0 {
		cfg.CancellationWindow = 2 * time.Hour
	}
	return &OrderService{
		orderTransitions: newOrderTransitions(orders, bus, cfg.ConflictRetries),
		queue:            q,
		keys:             keys,
		window:           cfg.CancellationWindow,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IsVIP          bool               `json:"is_vip"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	CorrelationID  string             `json:"-"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID   string          `json:"product_id" binding:"required"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity" binding:"required"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// CreateOrder persists a pending order and queues it for the saga
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	orderID := uuid.New().String()

	if req.IdempotencyKey != "" {
		existing, err := s.orders.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.duplicate(req.IdempotencyKey, existing.ID, existing.Status, existing.CorrelationID), nil
		}

		if s.keys != nil {
			owner, claimed, err := s.keys.ClaimIdempotencyKey(ctx, req.IdempotencyKey, orderID)
			if err != nil {
				return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
			}
			if !claimed {
				// the owning request may still be writing its order
				return s.duplicate(req.IdempotencyKey, owner, models.OrderStatusPending, ""), nil
			}
		}
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	order := &models.Order{
		ID:            orderID,
		CustomerID:    req.CustomerID,
		Status:        models.OrderStatusPending,
		IsVIP:         req.IsVIP,
		CorrelationID: correlationID,
		CreatedAt:     s.now(),
	}
	if req.IdempotencyKey != "" {
		order.IdempotencyKey = models.StringPtr(req.IdempotencyKey)
	}

	total := decimal.Zero
	for _, item := range req.Items {
		order.Items = append(order.Items, models.OrderItem{
			ID:          uuid.New().String(),
			OrderID:     orderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	order.TotalAmount = total

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.queue.Enqueue(order.ID, order.IsVIP)

	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", correlationID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total", total.StringFixed(2)),
		zap.Bool("vip", order.IsVIP))

	return &CreateOrderResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		CorrelationID: correlationID,
	}, nil
}

func (s *OrderService) duplicate(key, orderID, status, correlationID string) *CreateOrderResponse {
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", orderID))
	return &CreateOrderResponse{
		OrderID:       orderID,
		Status:        status,
		CorrelationID: correlationID,
		Duplicate:     true,
	}
}

func validateCreateOrder(req *CreateOrderRequest) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return models.NewValidationError("customer_id", "is required")
	}
	if len(req.Items) == 0 {
		return models.NewValidationError("items", "at least one item is required")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return models.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if item.Quantity <= 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than 0")
		}
		if !item.UnitPrice.IsPositive() {
			return models.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must be greater than 0")
		}
	}
	return nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	return s.orders.GetOrder(ctx, orderID)
}

// CancelOrder cancels an order inside the cancellation window
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		reason = "Cancelled by customer"
	}

	order, _, err := s.cancel(ctx, orderID, reason, cancelReasonCustomer, false, func(o *models.Order) (bool, error) {
		if !o.CanBeCancelled(s.now(), s.window) {
			return false, fmt.Errorf("%w: order %s in %s status cannot be cancelled",
				models.ErrInvalidStateTransition, o.ID, o.Status)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ShipOrder marks a confirmed order as shipped
func (s *OrderService) ShipOrder(ctx context.Context, orderID, trackingNumber, carrier string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ShipOrder")
	defer span.End()

	if strings.TrimSpace(trackingNumber) == "" {
		return nil, models.NewValidationError("tracking_number", "is required")
	}
	if strings.TrimSpace(carrier) == "" {
		return nil, models.NewValidationError("carrier", "is required")
	}

	order, _, err := s.update(ctx, orderID, "ship", func(o *models.Order) (bool, error) {
		if err := o.Ship(trackingNumber, carrier, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersShippedTotal.Inc()
	s.logger.Info("Order shipped",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", order.CorrelationID),
		zap.String("tracking_number", trackingNumber),
		zap.String("carrier", carrier))

	event := &models.OrderShippedEvent{
		BaseEvent:      models.BaseEvent{CorrelationID: order.CorrelationID},
		OrderID:        order.ID,
		TrackingNumber: trackingNumber,
		Carrier:        carrier,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		return order, fmt.Errorf("failed to publish OrderShipped: %w", err)
	}
	return order, nil
}

// RetryOrder sends a recently cancelled order through the saga again
func (s *OrderService) RetryOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RetryOrder")
	defer span.End()

	order, _, err := s.update(ctx, orderID, "retry", func(o *models.Order) (bool, error) {
		if !o.CanBeRetried(s.now(), s.window) {
			return false, fmt.Errorf("%w: order %s in %s status cannot be retried",
				models.ErrInvalidStateTransition, o.ID, o.Status)
		}
		if err := o.ResetForRetry(); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersRetriedTotal.Inc()
	s.queue.Enqueue(order.ID, order.IsVIP)
	s.logger.Info("Order queued for retry",
		zap.String("order_id", order.ID),
		zap.String("correlation_id", order.CorrelationID))
	return order, nil
}

// QueueStatus reports the dispatch queue depths
func (s *OrderService) QueueStatus() queue.Status {
	return s.queue.Status()
}
