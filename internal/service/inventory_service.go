package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const inventoryConsumer = "inventory"

// InventoryConfig holds the reservation rules
type InventoryConfig struct {
	ReservationTTL      time.Duration
	MaxReservationShare float64
	ConflictRetries     int
}

// InventoryService owns product stock and reservations
type InventoryService struct {
	repo       InventoryRepository
	flashSales FlashSaleRepository
	ledger     PurchaseLedger
	cache      StockCache
	bus        broker.Bus
	cfg        InventoryConfig
	now        func() time.Time
	logger     *zap.Logger
}

// NewInventoryService creates a new inventory service. cache may be nil.
func NewInventoryService(
	repo InventoryRepository,
	flashSales FlashSaleRepository,
	ledger PurchaseLedger,
	cache StockCache,
	bus broker.Bus,
	cfg InventoryConfig,
) *InventoryService {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Minute
	}
	if cfg.MaxReservationShare <= 0 {
		cfg.MaxReservationShare = 0.5
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &InventoryService{
		repo:       repo,
		flashSales: flashSales,
		ledger:     ledger,
		cache:      cache,
		bus:        bus,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     util.GetLogger(),
	}
}

// Subscribe registers the OrderCreated and StockReleased handlers. processed may be nil.
func (s *InventoryService) Subscribe(processed broker.ProcessedEventStore) error {
	mw := middleware(processed, inventoryConsumer)
	if err := broker.Handle(s.bus, models.EventTypeOrderCreated, s.HandleOrderCreated, mw...); err != nil {
		return err
	}
	return broker.Handle(s.bus, models.EventTypeStockReleased, s.HandleStockReleased, mw...)
}

// ReservationResult is the outcome of a reservation attempt. A rejected attempt has
// Success false and a human-readable FailureReason.
type ReservationResult struct {
	Success        bool
	ReservationIDs []string
	FailureReason  string
}

func rejected(format string, args ...interface{}) *ReservationResult {
	util.ReservationsTotal.WithLabelValues("rejected").Inc()
	return &ReservationResult{FailureReason: fmt.Sprintf(format, args...)}
}

// HandleOrderCreated reserves stock for the order and publishes StockReserved
func (s *InventoryService) HandleOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleOrderCreated")
	defer span.End()

	logger := s.logger.With(zap.String("order_id", event.OrderID), zap.String("correlation_id", event.CorrelationID))

	existing, err := s.repo.GetReservationsByOrder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load reservations: %w", err)
	}
	var held []string
	for _, r := range existing {
		if !r.IsReleased {
			held = append(held, r.ID)
		}
	}
	if len(held) > 0 {
		logger.Info("Stock already reserved for order, republishing result", zap.Strings("reservation_ids", held))
		return s.publishReserved(ctx, event, &ReservationResult{Success: true, ReservationIDs: held})
	}

	result, err := s.ReserveStock(ctx, event.OrderID, event.CustomerID, event.Items)
	if err != nil {
		return fmt.Errorf("failed to reserve stock for order %s: %w", event.OrderID, err)
	}

	if result.Success {
		logger.Info("Stock reserved", zap.Strings("reservation_ids", result.ReservationIDs))
	} else {
		logger.Warn("Stock reservation rejected", zap.String("reason", result.FailureReason))
	}
	return s.publishReserved(ctx, event, result)
}

func (s *InventoryService) publishReserved(ctx context.Context, created *models.OrderCreatedEvent, result *ReservationResult) error {
	event := &models.StockReservedEvent{
		BaseEvent:      models.BaseEvent{CorrelationID: created.CorrelationID},
		OrderID:        created.OrderID,
		CustomerID:     created.CustomerID,
		TotalAmount:    created.TotalAmount,
		ReservationIDs: result.ReservationIDs,
		Success:        result.Success,
		FailureReason:  result.FailureReason,
		IsVIP:          created.IsVIP,
	}
	if len(result.ReservationIDs) > 0 {
		event.ReservationID = result.ReservationIDs[0]
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish StockReserved: %w", err)
	}
	return nil
}

// HandleStockReleased releases every active reservation of the order
func (s *InventoryService) HandleStockReleased(ctx context.Context, event *models.StockReleasedEvent) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.HandleStockReleased")
	defer span.End()

	released, err := s.ReleaseOrderReservations(ctx, event.OrderID, models.ReleaseReasonCompensation)
	if err != nil {
		return err
	}

	s.logger.Info("Released stock for order",
		zap.String("order_id", event.OrderID),
		zap.String("correlation_id", event.CorrelationID),
		zap.Int("released", released))
	return nil
}

// ReserveStock reserves every line item in one unit of work, retrying the whole
// attempt on optimistic conflicts. A business rule violation is not an error.
func (s *InventoryService) ReserveStock(ctx context.Context, orderID, customerID string, items []models.OrderItemData) (*ReservationResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReserveStock")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		result, err := s.tryReserve(ctx, orderID, customerID, items)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			util.ConcurrencyConflictsTotal.WithLabelValues("reserve").Inc()
			if attempt < s.cfg.ConflictRetries {
				s.logger.Warn("Concurrency conflict while reserving stock, retrying",
					zap.String("order_id", orderID),
					zap.Int("attempt", attempt))
				continue
			}
		}
		return result, err
	}
}

func (s *InventoryService) tryReserve(ctx context.Context, orderID, customerID string, items []models.OrderItemData) (*ReservationResult, error) {
	if len(items) == 0 {
		return rejected("Order has no items"), nil
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]bool)
	for _, item := range items {
		if item.Quantity <= 0 {
			return rejected("Invalid quantity %d for product %s", item.Quantity, item.ProductID), nil
		}
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}

	found, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	working := make(map[string]*models.Product, len(found))
	for i := range found {
		working[found[i].ID] = &found[i]
	}
	var missing []string
	for _, id := range ids {
		if _, ok := working[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return rejected("Some products not found: %s", strings.Join(missing, ", ")), nil
	}

	now := s.now()
	pendingSale := make(map[string]int)
	var sales []*models.FlashSaleProduct
	reservations := make([]*models.StockReservation, 0, len(items))

	for _, item := range items {
		p := working[item.ProductID]

		if !p.CanReserve(item.Quantity) {
			return rejected("Insufficient stock for %s. Available: %d", p.Name, p.AvailableQuantity), nil
		}
		if float64(item.Quantity) > float64(p.TotalQuantity())*s.cfg.MaxReservationShare {
			return rejected("Cannot reserve more than %.0f%% of stock for %s", s.cfg.MaxReservationShare*100, p.Name), nil
		}

		var saleID *string
		sale, err := s.flashSales.GetActiveFlashSale(ctx, p.ID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to load flash sale: %w", err)
		}
		if sale != nil {
			purchased, err := s.ledger.PurchasedQuantity(ctx, sale.ID, customerID)
			if err != nil {
				return nil, err
			}
			remaining := sale.MaxQuantityPerCustomer - purchased - pendingSale[sale.ID]
			if remaining <= 0 {
				return rejected("Flash sale limit reached. You can only purchase %d items per customer.", sale.MaxQuantityPerCustomer), nil
			}
			if item.Quantity > remaining {
				return rejected("You can only purchase %d more items for this flash sale product.", remaining), nil
			}
			if _, ok := pendingSale[sale.ID]; !ok {
				sales = append(sales, sale)
			}
			pendingSale[sale.ID] += item.Quantity
			saleID = models.StringPtr(sale.ID)
		}

		if err := p.Reserve(item.Quantity, now); err != nil {
			return nil, err
		}
		r := models.NewStockReservation(orderID, p.ID, customerID, item.Quantity, now, s.cfg.ReservationTTL)
		r.FlashSaleID = saleID
		reservations = append(reservations, r)
	}

	products := make([]*models.Product, 0, len(ids))
	for _, id := range ids {
		products = append(products, working[id])
	}
	claimed, rejection, err := s.claimFlashSales(ctx, orderID, customerID, sales, pendingSale)
	if err != nil || rejection != nil {
		return rejection, err
	}
	if err := s.repo.ReserveStock(ctx, products, reservations); err != nil {
		s.unclaimFlashSales(ctx, orderID, customerID, claimed, pendingSale)
		return nil, err
	}

	result := &ReservationResult{Success: true}
	for _, r := range reservations {
		result.ReservationIDs = append(result.ReservationIDs, r.ID)
	}
	for _, id := range ids {
		s.invalidate(ctx, id)
	}

	util.ReservationsTotal.WithLabelValues("reserved").Inc()
	return result, nil
}

// claimFlashSales takes the customer's allowance for every sale before stock is written.
// Each claim is atomic in the ledger, so concurrent orders cannot pass the limit together.
func (s *InventoryService) claimFlashSales(ctx context.Context, orderID, customerID string, sales []*models.FlashSaleProduct, quantities map[string]int) ([]string, *ReservationResult, error) {
	claimed := make([]string, 0, len(sales))
	for _, sale := range sales {
		ok, err := s.ledger.ClaimPurchase(ctx, sale.ID, customerID, quantities[sale.ID], sale.MaxQuantityPerCustomer)
		if err != nil {
			s.unclaimFlashSales(ctx, orderID, customerID, claimed, quantities)
			return nil, nil, fmt.Errorf("failed to claim flash sale allowance: %w", err)
		}
		if !ok {
			s.unclaimFlashSales(ctx, orderID, customerID, claimed, quantities)
			return nil, rejected("Flash sale limit reached. You can only purchase %d items per customer.", sale.MaxQuantityPerCustomer), nil
		}
		claimed = append(claimed, sale.ID)
	}
	return claimed, nil, nil
}

func (s *InventoryService) unclaimFlashSales(ctx context.Context, orderID, customerID string, saleIDs []string, quantities map[string]int) {
	for _, id := range saleIDs {
		if err := s.ledger.RemovePurchase(ctx, id, customerID, quantities[id]); err != nil {
			s.logger.Error("Failed to return flash sale allowance",
				zap.String("order_id", orderID),
				zap.String("flash_sale_id", id),
				zap.Error(err))
		}
	}
}

// ReleaseOrderReservations releases all active reservations of an order and returns how many it released
func (s *InventoryService) ReleaseOrderReservations(ctx context.Context, orderID, reason string) (int, error) {
	reservations, err := s.repo.GetReservationsByOrder(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load reservations: %w", err)
	}

	released := 0
	var errs []error
	for _, r := range reservations {
		if r.IsReleased {
			continue
		}
		err := s.ReleaseReservation(ctx, r.ID, reason)
		switch {
		case err == nil:
			released++
		case errors.Is(err, models.ErrAlreadyReleased):
		default:
			errs = append(errs, err)
		}
	}
	return released, errors.Join(errs...)
}

// ReleaseReservation returns a reservation's stock, retrying on optimistic conflicts
func (s *InventoryService) ReleaseReservation(ctx context.Context, reservationID, reason string) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReleaseReservation")
	defer span.End()

	for attempt := 1; ; attempt++ {
		err := s.tryRelease(ctx, reservationID, reason)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			util.ConcurrencyConflictsTotal.WithLabelValues("release").Inc()
			if attempt < s.cfg.ConflictRetries {
				continue
			}
		}
		return err
	}
}

func (s *InventoryService) tryRelease(ctx context.Context, reservationID, reason string) error {
	r, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProduct(ctx, r.ProductID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := r.Release(reason, now); err != nil {
		return err
	}
	if err := p.Release(r.Quantity, now); err != nil {
		return err
	}
	if err := s.repo.ReleaseReservation(ctx, p, r); err != nil {
		return err
	}

	if r.FlashSaleID != nil {
		if err := s.ledger.RemovePurchase(ctx, *r.FlashSaleID, r.CustomerID, r.Quantity); err != nil {
			s.logger.Error("Failed to return flash sale allowance",
				zap.String("reservation_id", r.ID),
				zap.Error(err))
		}
	}
	s.invalidate(ctx, p.ID)

	util.ReservationsReleasedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Reservation released",
		zap.String("reservation_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.String("product_id", p.ID),
		zap.Int("quantity", r.Quantity),
		zap.String("reason", reason))
	return nil
}

// SweepExpired releases reservations whose hold elapsed. Each reservation is handled on
// its own: a conflict or a lost race is logged and skipped until the next sweep.
func (s *InventoryService) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.SweepExpired")
	defer span.End()

	expired, err := s.repo.ListExpiredReservations(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	released := 0
	for _, r := range expired {
		if err := ctx.Err(); err != nil {
			return released, err
		}

		err := s.tryRelease(ctx, r.ID, models.ReleaseReasonExpired)
		switch {
		case err == nil:
			released++
		case errors.Is(err, models.ErrAlreadyReleased):
			s.logger.Debug("Reservation already released", zap.String("reservation_id", r.ID))
		case errors.Is(err, models.ErrConcurrencyConflict):
			util.ConcurrencyConflictsTotal.WithLabelValues("expire").Inc()
			s.logger.Warn("Concurrency conflict while releasing expired reservation",
				zap.String("reservation_id", r.ID),
				zap.String("order_id", r.OrderID))
		default:
			s.logger.Error("Failed to release expired reservation",
				zap.String("reservation_id", r.ID),
				zap.String("order_id", r.OrderID),
				zap.Error(err))
		}
	}
	return released, nil
}

// Availability reports whether a product can cover a requested quantity
type Availability struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Sufficient  bool   `json:"sufficient"`
	Found       bool   `json:"found"`
}

// CheckAvailability reports availability per item without reserving anything
func (s *InventoryService) CheckAvailability(ctx context.Context, items []models.OrderItemData) ([]Availability, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CheckAvailability")
	defer span.End()

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	out := make([]Availability, 0, len(items))
	for _, item := range items {
		a := Availability{ProductID: item.ProductID, Requested: item.Quantity}
		if p, ok := byID[item.ProductID]; ok {
			a.Found = true
			a.ProductName = p.Name
			a.Available = p.AvailableQuantity
			a.Sufficient = p.CanReserve(item.Quantity)
		}
		out = append(out, a)
	}
	return out, nil
}

// GetProductStock reads a product through the stock cache
func (s *InventoryService) GetProductStock(ctx context.Context, id string) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.GetProductStock")
	defer span.End()

	if s.cache != nil {
		p, ok, err := s.cache.GetProduct(ctx, id)
		if err != nil {
			s.logger.Warn("Stock cache read failed", zap.String("product_id", id), zap.Error(err))
		} else if ok {
			return p, nil
		}
	}

	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetProduct(ctx, p); err != nil {
			s.logger.Warn("Stock cache write failed", zap.String("product_id", id), zap.Error(err))
		}
	}
	return p, nil
}

// StockAdjustment adds or removes available stock outside of reservations
type StockAdjustment struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	IsAddition bool   `json:"is_addition"`
}

// AdjustStock validates every adjustment and then applies all of them atomically
func (s *InventoryService) AdjustStock(ctx context.Context, adjustments []StockAdjustment) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AdjustStock")
	defer span.End()

	if len(adjustments) == 0 {
		return nil, models.NewValidationError("items", "at least one adjustment is required")
	}

	for attempt := 1; ; attempt++ {
		products, err := s.tryAdjust(ctx, adjustments)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			util.ConcurrencyConflictsTotal.WithLabelValues("adjust").Inc()
			if attempt < s.cfg.ConflictRetries {
				continue
			}
		}
		return products, err
	}
}

func (s *InventoryService) tryAdjust(ctx context.Context, adjustments []StockAdjustment) ([]models.Product, error) {
	ids := make([]string, 0, len(adjustments))
	seen := make(map[string]bool)
	for _, a := range adjustments {
		if a.Quantity <= 0 {
			return nil, models.NewValidationError("quantity", "invalid quantity change for product %s: %d", a.ProductID, a.Quantity)
		}
		if !seen[a.ProductID] {
			seen[a.ProductID] = true
			ids = append(ids, a.ProductID)
		}
	}

	found, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	working := make(map[string]*models.Product, len(found))
	for i := range found {
		working[found[i].ID] = &found[i]
	}
	for _, id := range ids {
		if _, ok := working[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, models.ErrNotFound)
		}
	}

	now := s.now()
	for _, a := range adjustments {
		p := working[a.ProductID]
		if a.IsAddition {
			p.AvailableQuantity += a.Quantity
		} else {
			if p.AvailableQuantity < a.Quantity {
				return nil, fmt.Errorf("%w for product %s: available=%d, requested=%d",
					models.ErrInsufficientStock, p.Name, p.AvailableQuantity, a.Quantity)
			}
			p.AvailableQuantity -= a.Quantity
		}
		p.UpdatedAt = models.TimePtr(now)
	}

	products := make([]*models.Product, 0, len(ids))
	for _, id := range ids {
		products = append(products, working[id])
	}
	if err := s.repo.UpdateProducts(ctx, products); err != nil {
		return nil, err
	}

	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		s.invalidate(ctx, p.ID)
		out = append(out, *p)
	}
	s.logger.Info("Stock adjusted", zap.Int("products", len(out)))
	return out, nil
}

// CreateProduct adds a product with its initial stock
func (s *InventoryService) CreateProduct(ctx context.Context, name string, price decimal.Decimal, quantity int) (*models.Product, error) {
	if strings.TrimSpace(name) == "" {
		return nil, models.NewValidationError("name", "is required")
	}
	if price.IsNegative() {
		return nil, models.NewValidationError("price", "must not be negative")
	}
	if quantity < 0 {
		return nil, models.NewValidationError("quantity", "must not be negative")
	}

	p := &models.Product{
		ID:                uuid.New().String(),
		Name:              name,
		AvailableQuantity: quantity,
		Price:             price,
		CreatedAt:         s.now(),
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateFlashSale opens a flash sale window for a product
func (s *InventoryService) CreateFlashSale(ctx context.Context, productID string, start, end time.Time, maxPerCustomer int) (*models.FlashSaleProduct, error) {
	if !end.After(start) {
		return nil, models.NewValidationError("end_time", "must be after start_time")
	}
	if maxPerCustomer <= 0 {
		return nil, models.NewValidationError("max_quantity_per_customer", "must be positive")
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	sale := &models.FlashSaleProduct{
		ID:                     uuid.New().String(),
		ProductID:              productID,
		StartTime:              start,
		EndTime:                end,
		MaxQuantityPerCustomer: maxPerCustomer,
		IsActive:               true,
		CreatedAt:              s.now(),
	}
	if err := s.flashSales.CreateFlashSale(ctx, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

// LowStockProducts lists products at or below threshold
func (s *InventoryService) LowStockProducts(ctx context.Context, threshold int) ([]models.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	var low []models.Product
	for _, p := range products {
		if p.IsLowStock(threshold) {
			low = append(low, p)
		}
	}
	return low, nil
}

func (s *InventoryService) invalidate(ctx context.Context, productID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateProduct(ctx, productID); err != nil {
		s.logger.Warn("Failed to invalidate stock cache", zap.String("product_id", productID), zap.Error(err))
	}
}
