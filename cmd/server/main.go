package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/queue"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// repositories is everything the services need from a store
type repositories interface {
	service.OrderRepository
	service.InventoryRepository
	service.FlashSaleRepository
	service.PaymentRepository
	service.PurchaseLedger
	broker.ProcessedEventStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Database.Driver),
		zap.String("broker", cfg.Broker.Kind))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.TraceExporter, cfg.Observ.TraceEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	checks := map[string]api.HealthCheck{}

	var repos repositories
	switch cfg.Database.Driver {
	case config.DriverMemory:
		repos = store.NewMemoryStore()
		logger.Info("Using in-memory store")
	default:
		db, err := store.NewStore(cfg.Database.URL, store.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		repos = db
		checks["postgres"] = db.Ping
		logger.Info("Database connected")
	}

	// flash-sale ledger, dedup markers and idempotency keys move to Redis when it is enabled
	var (
		ledger    service.PurchaseLedger     = repos
		processed broker.ProcessedEventStore = repos
		cache     service.StockCache
		keys      service.IdempotencyKeys
		locker    worker.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisclient.Options{
			ProcessedEventTTL: cfg.Redis.ProcessedEventTTL,
			StockCacheTTL:     cfg.Redis.StockCacheTTL,
			IdempotencyTTL:    cfg.Redis.IdempotencyTTL,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		ledger, processed, cache, keys, locker = redisClient, redisClient, redisClient, redisClient, redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	bus, err := newBus(cfg)
	if err != nil {
		logger.Fatal("Failed to start event bus", zap.Error(err))
	}

	dispatchQueue := queue.NewPriorityQueue()

	inventoryService := service.NewInventoryService(repos, repos, ledger, cache, bus, service.InventoryConfig{
		ReservationTTL:      cfg.Business.ReservationTTL,
		MaxReservationShare: cfg.Business.MaxReservationShare,
		ConflictRetries:     cfg.Business.ConflictRetries,
	})
	gateway := service.NewMockGateway(cfg.Business.PaymentSuccessRate, cfg.Business.PaymentTimeoutRate, cfg.Business.PaymentLatency, nil)
	paymentService := service.NewPaymentService(repos, gateway, bus, service.PaymentConfig{
		MaxAttempts:          cfg.Business.PaymentMaxAttempts,
		RetryDelay:           cfg.Business.PaymentRetryDelay,
		FraudAmountThreshold: cfg.Business.FraudAmountThreshold,
		FraudRetryThreshold:  cfg.Business.FraudRetryThreshold,
	})
	sagaOrchestrator := service.NewSagaOrchestrator(repos, bus, cfg.Business.ConflictRetries)
	orderService := service.NewOrderService(repos, bus, dispatchQueue, keys, service.OrderConfig{
		CancellationWindow: cfg.Business.CancellationWindow,
		ConflictRetries:    cfg.Business.ConflictRetries,
	})

	for name, subscribe := range map[string]func(broker.ProcessedEventStore) error{
		"inventory": inventoryService.Subscribe,
		"payment":   paymentService.Subscribe,
		"saga":      sagaOrchestrator.Subscribe,
	} {
		if err := subscribe(processed); err != nil {
			logger.Fatal("Failed to subscribe handlers", zap.String("consumer", name), zap.Error(err))
		}
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workers := worker.NewGroup(
		worker.NewExpirationSweeper(inventoryService, locker, cfg.Business.SweepInterval).
			Loop(cfg.Business.SweepInterval, cfg.Business.SweepErrorBackoff),
		worker.NewLowStockChecker(inventoryService, cfg.Business.LowStockThreshold).
			Loop(cfg.Business.LowStockInterval),
		worker.NewDispatcher(dispatchQueue, sagaOrchestrator).
			Loop(cfg.Business.DispatchIdleBackoff, cfg.Business.DispatchErrorBackoff),
	)
	workers.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, inventoryService, paymentService, checks)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := workers.Wait(shutdownCtx); err != nil {
		logger.Warn("Workers did not stop in time", zap.Error(err))
	}

	if err := closeBus(bus); err != nil {
		logger.Warn("Error closing event bus", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newBus builds the configured bus, optionally mirrored to the Kafka journal
func newBus(cfg *config.Config) (broker.Bus, error) {
	var bus broker.Bus
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		rmq, err := broker.NewRabbitMQBus(broker.RabbitMQConfig{
			URL:            cfg.Broker.URL,
			Exchange:       cfg.Broker.Exchange,
			MaxRetries:     cfg.Broker.MaxRetries,
			Prefetch:       cfg.Broker.Prefetch,
			ReconnectDelay: cfg.Broker.ReconnectDelay,
			PublishTimeout: cfg.Broker.PublishTimeout,
		})
		if err != nil {
			return nil, err
		}
		bus = rmq
	default:
		bus = broker.NewMemoryBus()
	}

	if cfg.Kafka.Enabled {
		// the journal flushes and then closes the bus it wraps
		bus = broker.NewJournalBus(bus, broker.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.JournalTopic))
	}
	return bus, nil
}

// closeBus closes the outermost bus, which closes anything it wraps
func closeBus(bus broker.Bus) error {
	if closer, ok := bus.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
