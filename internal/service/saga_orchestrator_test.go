package service

import (
	"context"
	"testing"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// SagaFlowSuite runs whole orders through inventory, payment and the saga on an in-process bus
type SagaFlowSuite struct {
	suite.Suite
	h *harness
}

func TestSagaFlowSuite(t *testing.T) {
	suite.Run(t, new(SagaFlowSuite))
}

func (s *SagaFlowSuite) SetupTest() {
	s.h = newHarness(s.T())
	s.h.addProduct(s.T(), "p1", 100)
	s.h.addProduct(s.T(), "p2", 20)
}

func (s *SagaFlowSuite) terminal(orderID string) []string {
	var out []string
	for _, name := range s.h.events.types(orderID) {
		if name == models.EventTypeOrderConfirmed || name == models.EventTypeOrderCancelled {
			out = append(out, name)
		}
	}
	return out
}

func (s *SagaFlowSuite) TestHappyPathConfirmsOrder() {
	id := s.h.place(s.T(), item("p1", 10), item("p2", 2))

	order := s.h.order(s.T(), id)
	s.Equal(models.OrderStatusConfirmed, order.Status)
	s.NotNil(order.PaymentID)
	s.NotEmpty(order.ReservationID())
	s.Equal([]string{models.EventTypeOrderConfirmed}, s.terminal(id))

	p1 := s.h.product(s.T(), "p1")
	s.Equal(90, p1.AvailableQuantity)
	s.Equal(10, p1.ReservedQuantity)
	p2 := s.h.product(s.T(), "p2")
	s.Equal(18, p2.AvailableQuantity)
	s.Equal(2, p2.ReservedQuantity)

	reservations, err := s.h.store.GetReservationsByOrder(context.Background(), id)
	s.Require().NoError(err)
	s.Len(reservations, 2)
}

func (s *SagaFlowSuite) TestInsufficientStockCancelsWithoutPayment() {
	id := s.h.place(s.T(), item("p2", 15))

	order := s.h.order(s.T(), id)
	s.Equal(models.OrderStatusCancelled, order.Status)
	s.Contains(*order.CancellationReason, "Insufficient stock")
	s.Nil(order.StockReservationID)
	s.Equal([]string{models.EventTypeOrderCancelled}, s.terminal(id))
	s.NotContains(s.h.events.types(id), models.EventTypePaymentProcessed)
	s.Equal(0, s.h.gateway.chargeCount())

	p2 := s.h.product(s.T(), "p2")
	s.Equal(20, p2.AvailableQuantity)
}

func (s *SagaFlowSuite) TestMoreThanHalfOfStockIsRejected() {
	id := s.h.place(s.T(), item("p1", 60))

	order := s.h.order(s.T(), id)
	s.Equal(models.OrderStatusCancelled, order.Status)
	s.Contains(*order.CancellationReason, "Cannot reserve more than 50% of stock")

	id = s.h.place(s.T(), item("p1", 50))
	s.Equal(models.OrderStatusConfirmed, s.h.order(s.T(), id).Status)
}

func (s *SagaFlowSuite) TestDeclinedPaymentReleasesStock() {
	s.h.gateway.script(decline("Insufficient funds"))

	id := s.h.place(s.T(), item("p1", 10))

	order := s.h.order(s.T(), id)
	s.Equal(models.OrderStatusCancelled, order.Status)
	s.Contains(*order.CancellationReason, "Insufficient funds")
	s.Equal([]string{models.EventTypeOrderCancelled}, s.terminal(id))

	types := s.h.events.types(id)
	released := indexOf(types, models.EventTypeStockReleased)
	cancelled := indexOf(types, models.EventTypeOrderCancelled)
	s.GreaterOrEqual(released, 0)
	s.Less(released, cancelled)

	p1 := s.h.product(s.T(), "p1")
	s.Equal(100, p1.AvailableQuantity)
	s.Equal(0, p1.ReservedQuantity)
}

func (s *SagaFlowSuite) TestTimeoutsExhaustRetriesThenFail() {
	s.h.gateway.script(timeout(), timeout(), timeout())

	id := s.h.place(s.T(), item("p1", 5))

	s.Equal(3, s.h.gateway.chargeCount())
	s.Contains(s.h.events.types(id), models.EventTypePaymentFailed)
	s.Equal(models.OrderStatusCancelled, s.h.order(s.T(), id).Status)

	payment, err := s.h.payments.GetPayment(context.Background(), id)
	s.Require().NoError(err)
	s.Equal(models.PaymentStatusTimeout, payment.Status)
}

func (s *SagaFlowSuite) TestFraudulentAmountFailsPayment() {
	s.h.addProduct(s.T(), "gold", 10)
	ctx := context.Background()
	resp, err := s.h.orders.CreateOrder(ctx, &CreateOrderRequest{
		CustomerID: "customer-1",
		Items:      []OrderItemRequest{{ProductID: "gold", Quantity: 2, UnitPrice: decimal.NewFromInt(60000)}},
	})
	s.Require().NoError(err)
	s.Require().NoError(s.h.saga.StartOrderFlow(ctx, resp.OrderID))

	s.Equal(0, s.h.gateway.chargeCount())
	s.Equal(models.OrderStatusCancelled, s.h.order(s.T(), resp.OrderID).Status)

	payment, err := s.h.payments.GetPayment(ctx, resp.OrderID)
	s.Require().NoError(err)
	s.True(payment.IsFraudulent)
}

func (s *SagaFlowSuite) TestRetryAfterDeclineConfirms() {
	s.h.gateway.script(decline("Card expired"))
	id := s.h.place(s.T(), item("p1", 10))
	s.Require().Equal(models.OrderStatusCancelled, s.h.order(s.T(), id).Status)

	ctx := context.Background()
	_, err := s.h.orders.RetryOrder(ctx, id)
	s.Require().NoError(err)
	next, _, ok := s.h.queue.TryDequeue()
	s.Require().True(ok)
	s.Require().NoError(s.h.saga.StartOrderFlow(ctx, next))

	order := s.h.order(s.T(), id)
	s.Equal(models.OrderStatusConfirmed, order.Status)

	payment, err := s.h.payments.GetPayment(ctx, id)
	s.Require().NoError(err)
	s.Equal(1, payment.RetryCount)
	s.Equal(models.PaymentStatusSuccess, payment.Status)

	p1 := s.h.product(s.T(), "p1")
	s.Equal(90, p1.AvailableQuantity)
	s.Equal(10, p1.ReservedQuantity)
}

func (s *SagaFlowSuite) TestCustomerCancelRefundsConfirmedOrder() {
	id := s.h.place(s.T(), item("p1", 4))
	s.Require().Equal(models.OrderStatusConfirmed, s.h.order(s.T(), id).Status)

	_, err := s.h.orders.CancelOrder(context.Background(), id, "")
	s.Require().NoError(err)

	payment, err := s.h.payments.GetPayment(context.Background(), id)
	s.Require().NoError(err)
	s.Equal(models.PaymentStatusRefunded, payment.Status)
	s.Equal(100, s.h.product(s.T(), "p1").AvailableQuantity)
}

func (s *SagaFlowSuite) TestCancelDuringChargeRefundsCapturedPayment() {
	ctx := context.Background()
	started, release := s.h.gateway.hold()

	resp, err := s.h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "customer-1", Items: []OrderItemRequest{item("p1", 4)}})
	s.Require().NoError(err)
	id, _, ok := s.h.queue.TryDequeue()
	s.Require().True(ok)

	done := make(chan error, 1)
	go func() { done <- s.h.saga.StartOrderFlow(ctx, id) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		s.FailNow("charge never started")
	}

	_, err = s.h.orders.CancelOrder(ctx, resp.OrderID, "")
	s.Require().NoError(err)
	close(release)

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("saga did not finish")
	}

	s.Equal(models.OrderStatusCancelled, s.h.order(s.T(), id).Status)
	payment, err := s.h.payments.GetPayment(ctx, id)
	s.Require().NoError(err)
	s.Equal(models.PaymentStatusRefunded, payment.Status)
	s.Equal(1, s.h.gateway.refundCount())
	s.Empty(s.h.events.ofType(models.EventTypeOrderConfirmed))
	s.Equal(100, s.h.product(s.T(), "p1").AvailableQuantity)
}

func (s *SagaFlowSuite) TestSweeperAndCompensationReleaseOnce() {
	s.h.gateway.script(decline("Do not honor"))
	id := s.h.place(s.T(), item("p1", 10))

	s.h.clock.Advance(11 * time.Minute)
	released, err := s.h.inventory.SweepExpired(context.Background())
	s.Require().NoError(err)
	s.Equal(0, released)

	p1 := s.h.product(s.T(), "p1")
	s.Equal(100, p1.AvailableQuantity)
	s.Equal(0, p1.ReservedQuantity)
	s.Equal(models.OrderStatusCancelled, s.h.order(s.T(), id).Status)
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// saga handlers in isolation, against a bus with no other services

func newSagaUnderTest(t *testing.T) (*SagaOrchestrator, *store.MemoryStore, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := broker.NewMemoryBus()
	events := record(t, bus)
	saga := NewSagaOrchestrator(st, bus, 3)
	saga.now = func() time.Time { return testNow }
	return saga, st, events
}

func pendingOrder(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.CreateOrder(context.Background(), &models.Order{
		ID:            id,
		CustomerID:    "c1",
		Status:        models.OrderStatusPending,
		TotalAmount:   decimal.NewFromInt(25),
		CorrelationID: "corr-" + id,
		CreatedAt:     testNow,
	}))
}

func TestFailedReservationCancelsWithReason(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	pendingOrder(t, st, "o1")

	err := saga.HandleStockReserved(context.Background(), &models.StockReservedEvent{
		OrderID: "o1", Success: false, FailureReason: "out of stock",
	})
	require.NoError(t, err)

	order, _ := st.GetOrder(context.Background(), "o1")
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Contains(t, *order.CancellationReason, "out of stock")
	assert.Nil(t, order.StockReservationID)
	assert.Equal(t, []string{models.EventTypeOrderCancelled}, events.types("o1"))

	cancelled := events.ofType(models.EventTypeOrderCancelled)[0].(*models.OrderCancelledEvent)
	assert.Equal(t, "corr-o1", cancelled.CorrelationID)
}

func TestPaymentFailedReleasesBeforeCancelling(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	pendingOrder(t, st, "o1")
	ctx := context.Background()

	require.NoError(t, saga.HandleStockReserved(ctx, &models.StockReservedEvent{OrderID: "o1", ReservationID: "R", Success: true}))
	require.NoError(t, saga.HandlePaymentFailed(ctx, &models.PaymentFailedEvent{OrderID: "o1", Reason: "card declined"}))

	assert.Equal(t, []string{models.EventTypeStockReleased, models.EventTypeOrderCancelled}, events.types("o1"))
	released := events.ofType(models.EventTypeStockReleased)[0].(*models.StockReleasedEvent)
	assert.Equal(t, "R", released.ReservationID)

	order, _ := st.GetOrder(ctx, "o1")
	assert.Contains(t, *order.CancellationReason, "card declined")
}

func TestRedeliveredPaymentConfirmsOnce(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	pendingOrder(t, st, "o1")
	ctx := context.Background()

	event := &models.PaymentProcessedEvent{OrderID: "o1", PaymentID: "pay-1", Success: true}
	require.NoError(t, saga.HandlePaymentProcessed(ctx, event))
	require.NoError(t, saga.HandlePaymentProcessed(ctx, event))

	assert.Len(t, events.ofType(models.EventTypeOrderConfirmed), 1)
	order, _ := st.GetOrder(ctx, "o1")
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, "pay-1", *order.PaymentID)
}

func TestLateReservationForCancelledOrderIsReleased(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	pendingOrder(t, st, "o1")
	ctx := context.Background()

	require.NoError(t, saga.HandlePaymentFailed(ctx, &models.PaymentFailedEvent{OrderID: "o1", Reason: "declined"}))
	require.NoError(t, saga.HandleStockReserved(ctx, &models.StockReservedEvent{OrderID: "o1", ReservationID: "R", Success: true}))

	assert.Equal(t, []string{
		models.EventTypeStockReleased,
		models.EventTypeOrderCancelled,
		models.EventTypeStockReleased,
	}, events.types("o1"))
	order, _ := st.GetOrder(ctx, "o1")
	assert.Nil(t, order.StockReservationID)
}

func TestPaymentForCancelledOrderDoesNotConfirm(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	pendingOrder(t, st, "o1")
	ctx := context.Background()

	require.NoError(t, saga.HandleStockReserved(ctx, &models.StockReservedEvent{OrderID: "o1", Success: false, FailureReason: "gone"}))
	require.NoError(t, saga.HandlePaymentProcessed(ctx, &models.PaymentProcessedEvent{OrderID: "o1", PaymentID: "p", Success: true}))

	assert.Empty(t, events.ofType(models.EventTypeOrderConfirmed))
	order, _ := st.GetOrder(ctx, "o1")
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	// the cancellation is announced again so the captured payment gets refunded
	cancellations := events.ofType(models.EventTypeOrderCancelled)
	require.Len(t, cancellations, 2)
	assert.Equal(t, *order.CancellationReason, cancellations[1].(*models.OrderCancelledEvent).Reason)
}

func TestStartOrderFlowCarriesItems(t *testing.T) {
	saga, st, events := newSagaUnderTest(t)
	ctx := context.Background()
	require.NoError(t, st.CreateOrder(ctx, &models.Order{
		ID: "o1", CustomerID: "c1", Status: models.OrderStatusPending, IsVIP: true,
		TotalAmount: decimal.NewFromInt(30), CorrelationID: "corr-1", CreatedAt: testNow,
		Items: []models.OrderItem{{ID: "i1", OrderID: "o1", ProductID: "p1", Quantity: 3, UnitPrice: decimal.NewFromInt(10)}},
	}))

	require.NoError(t, saga.StartOrderFlow(ctx, "o1"))

	created := events.ofType(models.EventTypeOrderCreated)
	require.Len(t, created, 1)
	evt := created[0].(*models.OrderCreatedEvent)
	assert.Equal(t, "corr-1", evt.CorrelationID)
	assert.True(t, evt.IsVIP)
	require.Len(t, evt.Items, 1)
	assert.Equal(t, 3, evt.Items[0].Quantity)

	// a cancelled order never re-enters the saga
	_, _, err := saga.cancel(ctx, "o1", "test", cancelReasonCustomer, false, pendingOnly)
	require.NoError(t, err)
	require.NoError(t, saga.StartOrderFlow(ctx, "o1"))
	assert.Len(t, events.ofType(models.EventTypeOrderCreated), 1)
}

// conflictingOrders fails the first n order updates with a version conflict
type conflictingOrders struct {
	*store.MemoryStore
	n int
}

func (c *conflictingOrders) UpdateOrder(ctx context.Context, order *models.Order) error {
	if c.n > 0 {
		c.n--
		return models.ErrConcurrencyConflict
	}
	return c.MemoryStore.UpdateOrder(ctx, order)
}

func TestOrderUpdateRetriesConflicts(t *testing.T) {
	st := store.NewMemoryStore()
	pendingOrder(t, st, "o1")
	repo := &conflictingOrders{MemoryStore: st, n: 2}
	saga := NewSagaOrchestrator(repo, broker.NewMemoryBus(), 3)
	ctx := context.Background()

	require.NoError(t, saga.HandlePaymentProcessed(ctx, &models.PaymentProcessedEvent{OrderID: "o1", PaymentID: "p", Success: true}))
	order, _ := st.GetOrder(ctx, "o1")
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)

	pendingOrder(t, st, "o2")
	repo.n = 3
	err := saga.HandlePaymentProcessed(ctx, &models.PaymentProcessedEvent{OrderID: "o2", PaymentID: "p", Success: true})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}
