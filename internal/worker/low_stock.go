package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

// LowStockSource lists products at or below a threshold
type LowStockSource interface {
	LowStockProducts(ctx context.Context, threshold int) ([]models.Product, error)
}

// LowStockChecker alerts once per product when its available stock drops to the
// threshold, and again only after it has recovered above it.
type LowStockChecker struct {
	source    LowStockSource
	threshold int
	mu        sync.Mutex
	alerted   map[string]bool
	logger    *zap.Logger
}

// NewLowStockChecker creates a low stock checker
func NewLowStockChecker(source LowStockSource, threshold int) *LowStockChecker {
	return &LowStockChecker{
		source:    source,
		threshold: threshold,
		alerted:   make(map[string]bool),
		logger:    util.GetLogger(),
	}
}

// Loop wraps the checker in a background loop
func (c *LowStockChecker) Loop(interval time.Duration) *Loop {
	return NewLoop("low-stock-checker", interval, interval, func(ctx context.Context) error {
		_, err := c.Check(ctx)
		return err
	})
}

// Check runs one pass and returns the products alerted for the first time
func (c *LowStockChecker) Check(ctx context.Context) ([]models.Product, error) {
	products, err := c.source.LowStockProducts(ctx, c.threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	util.LowStockProducts.Set(float64(len(products)))

	c.mu.Lock()
	defer c.mu.Unlock()

	low := make(map[string]bool, len(products))
	var fresh []models.Product
	for _, p := range products {
		low[p.ID] = true
		if c.alerted[p.ID] {
			continue
		}
		c.alerted[p.ID] = true
		fresh = append(fresh, p)
		c.logger.Warn("Low stock alert",
			zap.String("product_id", p.ID),
			zap.String("product_name", p.Name),
			zap.Int("available", p.AvailableQuantity),
			zap.Int("threshold", c.threshold))
	}

	for id := range c.alerted {
		if !low[id] {
			delete(c.alerted, id)
			c.logger.Info("Stock recovered", zap.String("product_id", id))
		}
	}
	return fresh, nil
}
