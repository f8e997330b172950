package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event types. These names are the routing keys on the wire and must stay stable.
const (
	EventTypeOrderCreated     = "OrderCreated"
	EventTypeStockReserved    = "StockReserved"
	EventTypePaymentProcessed = "PaymentProcessed"
	EventTypePaymentFailed    = "PaymentFailed"
	EventTypeOrderConfirmed   = "OrderConfirmed"
	EventTypeOrderCancelled   = "OrderCancelled"
	EventTypeStockReleased    = "StockReleased"
	EventTypeOrderShipped     = "OrderShipped"
)

// EventTypes lists every registered event type
var EventTypes = []string{
	EventTypeOrderCreated,
	EventTypeStockReserved,
	EventTypePaymentProcessed,
	EventTypePaymentFailed,
	EventTypeOrderConfirmed,
	EventTypeOrderCancelled,
	EventTypeStockReleased,
	EventTypeOrderShipped,
}

// Event is implemented by every integration event
type Event interface {
	EventType() string
	Base() *BaseEvent
	AggregateID() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID       string    `json:"id"`
	OccurredAt    time.Time `json:"occurredAtUtc"`
	CorrelationID string    `json:"correlationId"`
}

// Base gives access to the shared envelope fields
func (b *BaseEvent) Base() *BaseEvent { return b }

// OrderCreatedEvent starts stock reservation for an order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"orderId"`
	CustomerID  string          `json:"customerId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	IsVIP       bool            `json:"isVip"`
	Items       []OrderItemData `json:"items"`
}

// StockReservedEvent reports the outcome of a reservation attempt
type StockReservedEvent struct {
	BaseEvent
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	ReservationID  string          `json:"reservationId,omitempty"`
	ReservationIDs []string        `json:"reservationIds,omitempty"`
	Success        bool            `json:"success"`
	FailureReason  string          `json:"failureReason,omitempty"`
	IsVIP          bool            `json:"isVip"`
}

// PaymentProcessedEvent reports a completed charge attempt
type PaymentProcessedEvent struct {
	BaseEvent
	OrderID       string          `json:"orderId"`
	PaymentID     string          `json:"paymentId"`
	Success       bool            `json:"success"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// PaymentFailedEvent is published when a payment cannot be completed at all
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

// OrderConfirmedEvent published when the saga completes successfully
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID string `json:"orderId"`
}

// OrderCancelledEvent published when an order reaches Cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// StockReleasedEvent asks inventory to give back the stock held for an order
type StockReleasedEvent struct {
	BaseEvent
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

// OrderShippedEvent published when a confirmed order leaves the warehouse
type OrderShippedEvent struct {
	BaseEvent
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (*OrderCreatedEvent) EventType() string     { return EventTypeOrderCreated }
func (*StockReservedEvent) EventType() string    { return EventTypeStockReserved }
func (*PaymentProcessedEvent) EventType() string { return EventTypePaymentProcessed }
func (*PaymentFailedEvent) EventType() string    { return EventTypePaymentFailed }
func (*OrderConfirmedEvent) EventType() string   { return EventTypeOrderConfirmed }
func (*OrderCancelledEvent) EventType() string   { return EventTypeOrderCancelled }
func (*StockReleasedEvent) EventType() string    { return EventTypeStockReleased }
func (*OrderShippedEvent) EventType() string     { return EventTypeOrderShipped }

func (e *OrderCreatedEvent) AggregateID() string     { return e.OrderID }
func (e *StockReservedEvent) AggregateID() string    { return e.OrderID }
func (e *PaymentProcessedEvent) AggregateID() string { return e.OrderID }
func (e *PaymentFailedEvent) AggregateID() string    { return e.OrderID }
func (e *OrderConfirmedEvent) AggregateID() string   { return e.OrderID }
func (e *OrderCancelledEvent) AggregateID() string   { return e.OrderID }
func (e *StockReleasedEvent) AggregateID() string    { return e.OrderID }
func (e *OrderShippedEvent) AggregateID() string     { return e.OrderID }

// NewEvent returns an empty event value for a registered event type
func NewEvent(eventType string) (Event, error) {
	switch eventType {
	case EventTypeOrderCreated:
		return &OrderCreatedEvent{}, nil
	case EventTypeStockReserved:
		return &StockReservedEvent{}, nil
	case EventTypePaymentProcessed:
		return &PaymentProcessedEvent{}, nil
	case EventTypePaymentFailed:
		return &PaymentFailedEvent{}, nil
	case EventTypeOrderConfirmed:
		return &OrderConfirmedEvent{}, nil
	case EventTypeOrderCancelled:
		return &OrderCancelledEvent{}, nil
	case EventTypeStockReleased:
		return &StockReleasedEvent{}, nil
	case EventTypeOrderShipped:
		return &OrderShippedEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %q", eventType)
	}
}

// DecodeEvent unmarshals a wire payload into the event registered under eventType
func DecodeEvent(eventType string, body []byte) (Event, error) {
	event, err := NewEvent(eventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}
	return event, nil
}
