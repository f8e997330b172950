package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"order-fulfillment/internal/models"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	payments  *service.PaymentService
	checks    map[string]HealthCheck
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. checks feed the readiness endpoint.
func NewHandler(orders *service.OrderService, inventory *service.InventoryService, payments *service.PaymentService, checks map[string]HealthCheck) *Handler {
	return &Handler{
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		checks:    checks,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(correlationMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/retry", h.retryOrder)
		v1.GET("/orders/:id/payment", h.getPayment)
		v1.GET("/queue/status", h.queueStatus)

		v1.POST("/products", h.createProduct)
		v1.GET("/products/low-stock", h.lowStock)
		v1.GET("/products/:id/stock", h.getStock)
		v1.POST("/products/stock", h.adjustStock)
		v1.POST("/inventory/availability", h.checkAvailability)
		v1.POST("/flash-sales", h.createFlashSale)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": results,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.CorrelationID = correlationID(c)

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "Failed to create order", err)
		return
	}

	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, "Failed to cancel order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type shipRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
}

func (h *Handler) shipOrder(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.orders.ShipOrder(c.Request.Context(), c.Param("id"), req.TrackingNumber, req.Carrier)
	if err != nil {
		h.writeError(c, "Failed to ship order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) retryOrder(c *gin.Context) {
	order, err := h.orders.RetryOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to retry order", err)
		return
	}
	c.JSON(http.StatusAccepted, order)
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get payment", err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orders.QueueStatus())
}

type createProductRequest struct {
	Name     string          `json:"name" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

func (h *Handler) createProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product, err := h.inventory.CreateProduct(c.Request.Context(), req.Name, req.Price, req.Quantity)
	if err != nil {
		h.writeError(c, "Failed to create product", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) getStock(c *gin.Context) {
	product, err := h.inventory.GetProductStock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":         product.ID,
		"name":               product.Name,
		"available_quantity": product.AvailableQuantity,
		"reserved_quantity":  product.ReservedQuantity,
		"total_quantity":     product.TotalQuantity(),
	})
}

type adjustStockRequest struct {
	Items []service.StockAdjustment `json:"items" binding:"required,min=1"`
}

func (h *Handler) adjustStock(c *gin.Context) {
	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	products, err := h.inventory.AdjustStock(c.Request.Context(), req.Items)
	if err != nil {
		h.writeError(c, "Failed to adjust stock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

type availabilityRequest struct {
	Items []struct {
		ProductID string `json:"product_id" binding:"required"`
		Quantity  int    `json:"quantity" binding:"required,gt=0"`
	} `json:"items" binding:"required,min=1,dive"`
}

func (h *Handler) checkAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	items := make([]models.OrderItemData, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.OrderItemData{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := h.inventory.CheckAvailability(c.Request.Context(), items)
	if err != nil {
		h.writeError(c, "Failed to check availability", err)
		return
	}

	available := true
	for _, r := range result {
		available = available && r.Sufficient
	}
	c.JSON(http.StatusOK, gin.H{"available": available, "items": result})
}

type flashSaleRequest struct {
	ProductID              string    `json:"product_id" binding:"required"`
	StartTime              time.Time `json:"start_time" binding:"required"`
	EndTime                time.Time `json:"end_time" binding:"required"`
	MaxQuantityPerCustomer int       `json:"max_quantity_per_customer"`
}

func (h *Handler) createFlashSale(c *gin.Context) {
	var req flashSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sale, err := h.inventory.CreateFlashSale(c.Request.Context(), req.ProductID, req.StartTime, req.EndTime, req.MaxQuantityPerCustomer)
	if err != nil {
		h.writeError(c, "Failed to create flash sale", err)
		return
	}
	c.JSON(http.StatusCreated, sale)
}

func (h *Handler) lowStock(c *gin.Context) {
	threshold, err := strconv.Atoi(c.DefaultQuery("threshold", "10"))
	if err != nil || threshold < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid threshold",
			"details": c.Query("threshold"),
		})
		return
	}

	products, err := h.inventory.LowStockProducts(c.Request.Context(), threshold)
	if err != nil {
		h.writeError(c, "Failed to list low stock products", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": threshold, "products": products})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// writeError maps domain errors to HTTP statuses
func (h *Handler) writeError(c *gin.Context, message string, err error) {
	var verr *models.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrAlreadyReleased),
		errors.Is(err, models.ErrOverRelease),
		errors.Is(err, models.ErrConcurrencyConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.String("correlation_id", correlationID(c)),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
