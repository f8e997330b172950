package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps every repository in process memory with the same
// compare-and-swap rules as the Postgres store. Values are copied in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*models.Order
	idempotency  map[string]string
	products     map[string]*models.Product
	reservations map[string]*models.StockReservation
	flashSales   map[string]*models.FlashSaleProduct
	purchases    map[string]int
	payments     map[string]*models.Payment
	processed    map[string]time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*models.Order),
		idempotency:  make(map[string]string),
		products:     make(map[string]*models.Product),
		reservations: make(map[string]*models.StockReservation),
		flashSales:   make(map[string]*models.FlashSaleProduct),
		purchases:    make(map[string]int),
		payments:     make(map[string]*models.Payment),
		processed:    make(map[string]time.Time),
	}
}

// Orders

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	if order.IdempotencyKey != nil {
		if _, ok := m.idempotency[*order.IdempotencyKey]; ok {
			return fmt.Errorf("idempotency key %s already used", *order.IdempotencyKey)
		}
		m.idempotency[*order.IdempotencyKey] = order.ID
	}
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.New().String()
		}
		order.Items[i].OrderID = order.ID
		order.Items[i].Position = i
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[order.ID]
	if !ok || current.Version != order.Version {
		return conflict("order", order.ID)
	}
	order.Version++
	m.orders[order.ID] = order.Clone()
	return nil
}

// Products and reservations

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, notFound("product", id)
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[product.ID]; ok {
		return fmt.Errorf("product %s already exists", product.ID)
	}
	c := *product
	m.products[product.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateProducts(ctx context.Context, products []*models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersions(products); err != nil {
		return err
	}
	m.writeProducts(products)
	return nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, products []*models.Product, reservations []*models.StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersions(products); err != nil {
		return err
	}
	for _, r := range reservations {
		if _, ok := m.reservations[r.ID]; ok {
			return fmt.Errorf("reservation %s already exists", r.ID)
		}
	}

	m.writeProducts(products)
	for _, r := range reservations {
		c := *r
		m.reservations[r.ID] = &c
	}
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*models.StockReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, notFound("reservation", id)
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) GetReservationsByOrder(ctx context.Context, orderID string) ([]models.StockReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StockReservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	sortReservations(out)
	return out, nil
}

func (m *MemoryStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]models.StockReservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StockReservation
	for _, r := range m.reservations {
		if r.IsExpired(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) ReleaseReservation(ctx context.Context, product *models.Product, reservation *models.StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersions([]*models.Product{product}); err != nil {
		return err
	}
	stored, ok := m.reservations[reservation.ID]
	if !ok {
		return notFound("reservation", reservation.ID)
	}
	if stored.IsReleased {
		return fmt.Errorf("%w: %s", models.ErrAlreadyReleased, reservation.ID)
	}

	m.writeProducts([]*models.Product{product})
	stored.IsReleased = true
	stored.ReleasedAt = reservation.ReleasedAt
	stored.ReleaseReason = reservation.ReleaseReason
	return nil
}

// checkVersions must be called with mu held
func (m *MemoryStore) checkVersions(products []*models.Product) error {
	for _, p := range products {
		current, ok := m.products[p.ID]
		if !ok || current.Version != p.Version {
			return conflict("product", p.ID)
		}
	}
	return nil
}

// writeProducts must be called with mu held
func (m *MemoryStore) writeProducts(products []*models.Product) {
	for _, p := range products {
		p.Version++
		c := *p
		m.products[p.ID] = &c
	}
}

func sortReservations(rs []models.StockReservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservedAt.Equal(rs[j].ReservedAt) {
			return rs[i].ReservedAt.Before(rs[j].ReservedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// Flash sales

func (m *MemoryStore) GetActiveFlashSale(ctx context.Context, productID string, now time.Time) (*models.FlashSaleProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.FlashSaleProduct
	for _, s := range m.flashSales {
		if s.ProductID != productID || !s.IsCurrentlyActive(now) {
			continue
		}
		if found == nil || s.StartTime.After(found.StartTime) {
			found = s
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	return &c, nil
}

func (m *MemoryStore) CreateFlashSale(ctx context.Context, sale *models.FlashSaleProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *sale
	m.flashSales[sale.ID] = &c
	return nil
}

func (m *MemoryStore) PurchasedQuantity(ctx context.Context, flashSaleID, customerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.purchases[flashSaleID+"/"+customerID], nil
}

func (m *MemoryStore) ClaimPurchase(ctx context.Context, flashSaleID, customerID string, quantity, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flashSaleID + "/" + customerID
	if m.purchases[key]+quantity > limit {
		return false, nil
	}
	m.purchases[key] += quantity
	return true, nil
}

func (m *MemoryStore) RemovePurchase(ctx context.Context, flashSaleID, customerID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flashSaleID + "/" + customerID
	m.purchases[key] -= quantity
	if m.purchases[key] < 0 {
		m.purchases[key] = 0
	}
	return nil
}

// Payments

func (m *MemoryStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *payment
	m.payments[payment.ID] = &c
	return nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[payment.ID]; !ok {
		return notFound("payment", payment.ID)
	}
	c := *payment
	m.payments[payment.ID] = &c
	return nil
}

func (m *MemoryStore) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Payment
	for _, p := range m.payments {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.RetryCount > latest.RetryCount) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

// Processed events

func (m *MemoryStore) IsProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[consumer+"/"+eventID]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, consumer, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[consumer+"/"+eventID] = time.Now().UTC()
	return nil
}
