package service

import (
	"context"
	"testing"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/queue"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderValidation(t *testing.T) {
	price := decimal.NewFromInt(5)

	tests := []struct {
		name  string
		req   CreateOrderRequest
		field string
	}{
		{"missing customer", CreateOrderRequest{Items: []OrderItemRequest{{ProductID: "p1", Quantity: 1, UnitPrice: price}}}, "customer_id"},
		{"blank customer", CreateOrderRequest{CustomerID: "  ", Items: []OrderItemRequest{{ProductID: "p1", Quantity: 1, UnitPrice: price}}}, "customer_id"},
		{"no items", CreateOrderRequest{CustomerID: "c1"}, "items"},
		{"missing product", CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{{Quantity: 1, UnitPrice: price}}}, "items[0].product_id"},
		{"zero quantity", CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{{ProductID: "p1", UnitPrice: price}}}, "items[0].quantity"},
		{"negative price", CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 1, UnitPrice: price},
			{ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)},
		}}, "items[1].unit_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orders.CreateOrder(context.Background(), &tt.req)

			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, h.queue.Status().TotalDepth)
		})
	}
}

func TestCreateOrderTotalsAndLanes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	regular, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID: "c1",
		Items: []OrderItemRequest{
			{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("10.50")},
			{ProductID: "p2", Quantity: 1, UnitPrice: decimal.RequireFromString("3.00")},
		},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, regular.Status)
	assert.Equal(t, "corr-1", regular.CorrelationID)

	vip, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c2", Items: []OrderItemRequest{item("p1", 1)}, IsVIP: true})
	require.NoError(t, err)
	assert.NotEmpty(t, vip.CorrelationID)

	order := h.order(t, regular.OrderID)
	assert.True(t, decimal.RequireFromString("24").Equal(order.TotalAmount))
	assert.Len(t, order.Items, 2)
	assert.Equal(t, testNow, order.CreatedAt)

	assert.Equal(t, queue.Status{PriorityDepth: 1, RegularDepth: 1, TotalDepth: 2}, h.orders.QueueStatus())

	id, priority, ok := h.queue.TryDequeue()
	require.True(t, ok)
	assert.True(t, priority)
	assert.Equal(t, vip.OrderID, id)

	id, priority, ok = h.queue.TryDequeue()
	require.True(t, ok)
	assert.False(t, priority)
	assert.Equal(t, regular.OrderID, id)

	// creating an order publishes nothing until the dispatcher starts its saga
	assert.Empty(t, h.events.types(regular.OrderID))
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}, IdempotencyKey: "key-1"}

	first, err := h.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	assert.Equal(t, 1, h.queue.Status().TotalDepth)
}

func TestCreateOrderClaimsKeyInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	keys := redisclient.NewFromRedis(rdb, redisclient.Options{})

	st := store.NewMemoryStore()
	q := queue.NewPriorityQueue()
	svc := NewOrderService(st, broker.NewMemoryBus(), q, keys, OrderConfig{})
	ctx := context.Background()

	// another instance won the key and has not written its order yet
	_, claimed, err := keys.ClaimIdempotencyKey(ctx, "key-1", "owner-order")
	require.NoError(t, err)
	require.True(t, claimed)

	resp, err := svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}, IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "owner-order", resp.OrderID)
	assert.Equal(t, 0, q.Status().TotalDepth)

	resp, err = svc.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}, IdempotencyKey: "key-2"})
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	owner, err := rdb.Get(ctx, "idempotency:key-2").Result()
	require.NoError(t, err)
	assert.Equal(t, resp.OrderID, owner)
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orders.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelConfirmedOrderReleasesAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.addProduct(t, "p1", 10)
	ctx := context.Background()

	id := h.place(t, item("p1", 3))
	require.Equal(t, models.OrderStatusConfirmed, h.order(t, id).Status)
	require.Equal(t, 7, h.product(t, "p1").AvailableQuantity)

	order, err := h.orders.CancelOrder(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, "Cancelled by customer", *order.CancellationReason)

	p := h.product(t, "p1")
	assert.Equal(t, 10, p.AvailableQuantity)
	assert.Equal(t, 0, p.ReservedQuantity)

	payment, err := h.payments.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)

	types := h.events.types(id)
	assert.Equal(t, []string{models.EventTypeStockReleased, models.EventTypeOrderCancelled}, types[len(types)-2:])
}

func TestCancelPendingOrderWithoutStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}})
	require.NoError(t, err)

	_, err = h.orders.CancelOrder(ctx, resp.OrderID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventTypeOrderCancelled}, h.events.types(resp.OrderID))
	assert.Equal(t, "changed my mind", *h.order(t, resp.OrderID).CancellationReason)

	// cancelling twice is a state error
	_, err = h.orders.CancelOrder(ctx, resp.OrderID, "")
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestCancelOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}})
	require.NoError(t, err)

	h.clock.Advance(2*time.Hour + time.Second)
	_, err = h.orders.CancelOrder(ctx, resp.OrderID, "")
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.Equal(t, models.OrderStatusPending, h.order(t, resp.OrderID).Status)
	assert.Empty(t, h.events.types(resp.OrderID))
}

func TestShipOrder(t *testing.T) {
	h := newHarness(t)
	h.addProduct(t, "p1", 10)
	ctx := context.Background()

	pending, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}})
	require.NoError(t, err)
	_, err = h.orders.ShipOrder(ctx, pending.OrderID, "TRK-1", "UPS")
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = h.orders.ShipOrder(ctx, pending.OrderID, "", "UPS")
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tracking_number", verr.Field)

	// drain the pending order so place dequeues its own
	_, _, _ = h.queue.TryDequeue()
	id := h.place(t, item("p1", 1))

	order, err := h.orders.ShipOrder(ctx, id, "TRK-2", "DHL")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Equal(t, "TRK-2", *order.TrackingNumber)
	assert.NotNil(t, order.ShippedAt)

	shipped := h.events.ofType(models.EventTypeOrderShipped)
	require.Len(t, shipped, 1)
	evt := shipped[0].(*models.OrderShippedEvent)
	assert.Equal(t, id, evt.OrderID)
	assert.Equal(t, "DHL", evt.Carrier)
	assert.Equal(t, order.CorrelationID, evt.CorrelationID)

	// shipping twice is a state error
	_, err = h.orders.ShipOrder(ctx, id, "TRK-3", "DHL")
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestRetryOrder(t *testing.T) {
	h := newHarness(t)
	h.addProduct(t, "p1", 10)
	ctx := context.Background()

	h.gateway.script(decline("Insufficient funds"))
	id := h.place(t, item("p1", 2))
	require.Equal(t, models.OrderStatusCancelled, h.order(t, id).Status)
	require.Equal(t, 10, h.product(t, "p1").AvailableQuantity)

	order, err := h.orders.RetryOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Nil(t, order.CancellationReason)
	assert.Nil(t, order.StockReservationID)

	queued, _, ok := h.queue.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, id, queued)

	require.NoError(t, h.saga.StartOrderFlow(ctx, id))
	assert.Equal(t, models.OrderStatusConfirmed, h.order(t, id).Status)
	assert.Equal(t, 8, h.product(t, "p1").AvailableQuantity)

	payment, err := h.payments.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, payment.Status)
	assert.Equal(t, 1, payment.RetryCount)

	// confirmed orders are not retryable
	_, err = h.orders.RetryOrder(ctx, id)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestRetryOrderOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "c1", Items: []OrderItemRequest{item("p1", 1)}})
	require.NoError(t, err)
	_, err = h.orders.CancelOrder(ctx, resp.OrderID, "")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	_, err = h.orders.RetryOrder(ctx, resp.OrderID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.Equal(t, models.OrderStatusCancelled, h.order(t, resp.OrderID).Status)
}
