package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/gateway"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer("storefront", cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	eventPublisher := broker.NewEventPublisher(orderProducer)

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		AccessToken:     cfg.Gateway.AccessToken,
		NotificationURL: cfg.Gateway.NotificationURL,
		SuccessURL:      cfg.Gateway.SuccessURL,
		FailureURL:      cfg.Gateway.FailureURL,
		PendingURL:      cfg.Gateway.PendingURL,
		Timeout:         cfg.Gateway.Timeout,
		MaxRetries:      cfg.Gateway.MaxRetries,
	})
	if cfg.Gateway.AccessToken == "" {
		logger.Warn("GATEWAY_ACCESS_TOKEN is not set, gateway payments will fail")
	}

	ledger := service.NewInventoryLedger()
	cartService := service.NewCartService(db)
	orderService := service.NewOrderService(db, ledger, redisClient, eventPublisher, service.OrderConfig{
		CashAddressFallback: cfg.Business.CashAddressFallback,
		IdempotencyTTL:      cfg.Business.IdempotencyTTL,
		CheckoutLockTTL:     cfg.Business.CheckoutLockTTL,
	})
	paymentService := service.NewPaymentService(db, gatewayClient, redisClient, eventPublisher, cfg.Business.WebhookDedupTTL)
	refundService := service.NewRefundService(db, gatewayClient, eventPublisher)

	services := api.Services{
		Carts:    cartService,
		Orders:   orderService,
		Payments: paymentService,
		Refunds:  refundService,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var notificationWorker *worker.PaymentNotificationWorker
	if cfg.Kafka.RelayWebhooks {
		notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer notificationProducer.Close()
		services.Relay = broker.NewNotificationRelay(notificationProducer)

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup)
		notificationWorker = worker.NewPaymentNotificationWorker(consumer, paymentService)
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Payment notification worker stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(services, api.Options{
		Development: cfg.Server.IsDevelopment(),
		CORSOrigin:  cfg.Server.CORSOrigin,
		Readiness: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	workerCancel()
	if notificationWorker != nil {
		if err := notificationWorker.Stop(); err != nil {
			logger.Error("Error stopping payment notification worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
