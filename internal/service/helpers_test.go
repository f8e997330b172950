package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/queue"
	"order-fulfillment/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures every event published on a bus in publish order
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func record(t *testing.T, bus broker.Bus) *recorder {
	t.Helper()
	r := &recorder{}
	for _, name := range models.EventTypes {
		require.NoError(t, bus.Subscribe(name, r.handle))
	}
	return r
}

func (r *recorder) handle(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// types lists the event types seen for an order, in order
func (r *recorder) types(orderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.AggregateID() == orderID {
			out = append(out, e.EventType())
		}
	}
	return out
}

func (r *recorder) ofType(name string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.EventType() == name {
			out = append(out, e)
		}
	}
	return out
}

type outcome struct {
	result *ChargeResult
	err    error
}

func approve() outcome { return outcome{result: &ChargeResult{Approved: true, TransactionID: "TX-1"}} }

func decline(reason string) outcome { return outcome{result: &ChargeResult{DeclineReason: reason}} }

func timeout() outcome { return outcome{err: ErrGatewayTimeout} }

// scriptedGateway answers charges from a script and approves once it runs out
type scriptedGateway struct {
	mu       sync.Mutex
	outcomes []outcome
	charges  int
	refunds  int

	// set by hold: Charge reports on started and waits for release
	started chan struct{}
	release chan struct{}
}

// hold makes the next charges block until the returned release is closed
func (g *scriptedGateway) hold() (started <-chan struct{}, release chan<- struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = make(chan struct{}, 1)
	g.release = make(chan struct{})
	return g.started, g.release
}

func (g *scriptedGateway) script(outcomes ...outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, outcomes...)
}

func (g *scriptedGateway) Charge(ctx context.Context, _ *models.Payment) (*ChargeResult, error) {
	g.mu.Lock()
	started, release := g.started, g.release
	g.mu.Unlock()
	if release != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	if len(g.outcomes) == 0 {
		o := approve()
		return o.result, nil
	}
	o := g.outcomes[0]
	g.outcomes = g.outcomes[1:]
	return o.result, o.err
}

func (g *scriptedGateway) Refund(_ context.Context, _ *models.Payment) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	return "REF-1", nil
}

func (g *scriptedGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds
}

func (g *scriptedGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

// harness wires every service onto one in-process bus and memory store
type harness struct {
	store     *store.MemoryStore
	bus       *broker.MemoryBus
	events    *recorder
	clock     *clock
	gateway   *scriptedGateway
	queue     *queue.PriorityQueue
	inventory *InventoryService
	payments  *PaymentService
	saga      *SagaOrchestrator
	orders    *OrderService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		bus:     broker.NewMemoryBus(),
		clock:   newClock(),
		gateway: &scriptedGateway{},
		queue:   queue.NewPriorityQueue(),
	}
	h.events = record(t, h.bus)

	h.inventory = NewInventoryService(h.store, h.store, h.store, nil, h.bus, InventoryConfig{ReservationTTL: 10 * time.Minute})
	h.inventory.now = h.clock.Now
	h.payments = NewPaymentService(h.store, h.gateway, h.bus, PaymentConfig{})
	h.payments.now = h.clock.Now
	h.saga = NewSagaOrchestrator(h.store, h.bus, 5)
	h.saga.now = h.clock.Now
	h.orders = NewOrderService(h.store, h.bus, h.queue, nil, OrderConfig{})
	h.orders.now = h.clock.Now

	require.NoError(t, h.inventory.Subscribe(h.store))
	require.NoError(t, h.payments.Subscribe(h.store))
	require.NoError(t, h.saga.Subscribe(h.store))
	return h
}

func (h *harness) addProduct(t *testing.T, id string, qty int) {
	t.Helper()
	require.NoError(t, h.store.CreateProduct(context.Background(), &models.Product{
		ID:                id,
		Name:              "Product " + id,
		AvailableQuantity: qty,
		Price:             decimal.NewFromInt(10),
		CreatedAt:         testNow,
	}))
}

func (h *harness) product(t *testing.T, id string) *models.Product {
	t.Helper()
	p, err := h.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

// place creates an order and runs its saga to completion
func (h *harness) place(t *testing.T, items ...OrderItemRequest) string {
	t.Helper()
	ctx := context.Background()
	resp, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{CustomerID: "customer-1", Items: items})
	require.NoError(t, err)

	id, _, ok := h.queue.TryDequeue()
	require.True(t, ok)
	require.Equal(t, resp.OrderID, id)
	require.NoError(t, h.saga.StartOrderFlow(ctx, id))
	return id
}

func item(productID string, qty int) OrderItemRequest {
	return OrderItemRequest{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(10)}
}
