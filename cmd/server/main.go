package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reconciliation-service/config"
	"reconciliation-service/internal/api"
	"reconciliation-service/internal/broker"
	"reconciliation-service/internal/redisclient"
	"reconciliation-service/internal/secrets"
	"reconciliation-service/internal/service"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"
	"reconciliation-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger("reconciliation-service", cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting reconciliation service")

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("reconciliation-service", cfg.Observ.JaegerEndpoint)
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
	}

	ctx := context.Background()
	checks := map[string]api.ReadinessCheck{}

	gatewaySecrets, err := loadSecrets(ctx, cfg.Razorpay)
	if err != nil {
		logger.Fatal("Failed to load gateway secrets", zap.Error(err))
	}

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory store, data is lost on restart")
		repo = store.NewMemoryStore()
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		checks["database"] = db.Ping
		repo = db
		logger.Info("Database connected")
	}

	var locker service.Locker = service.NewLocalLocker()
	var stockCache service.StockCache
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker = redisClient
		stockCache = redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	var publisher service.EventPublisher
	var producer *broker.Producer
	if cfg.Kafka.Enabled {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	ledger := service.NewLedger()
	verifier := service.NewPaymentVerifier(gatewaySecrets.KeySecret, gatewaySecrets.WebhookSecret)
	stateMachine := service.NewStateMachine(ledger, verifier)
	coordinator := service.NewCoordinator(repo, stateMachine, locker, publisher, stockCache, cfg.Business.LockTTL())
	orderService := service.NewOrderService(repo, stateMachine, stockCache, cfg.Business.ReserveStockOnCheckout)
	webhookProcessor := service.NewWebhookProcessor(repo, coordinator, verifier, cfg.Business.PaymentTimeout())

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	expiryWorker := worker.NewExpiryWorker(repo, coordinator, cfg.Business.OrderTimeout(), cfg.Business.ExpirySweepInterval())
	go func() {
		if err := expiryWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Expiry worker error", zap.Error(err))
		}
	}()

	var notificationWorker *worker.NotificationWorker
	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		notificationWorker = worker.NewNotificationWorker(consumer, worker.NewLogNotifier())
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Notification worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, coordinator, webhookProcessor, checks)
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if notificationWorker != nil {
		if err := notificationWorker.Stop(); err != nil {
			logger.Error("Failed to stop notification worker", zap.Error(err))
		}
	}

	// let in-flight status events reach the broker before closing it
	coordinator.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("Failed to close Kafka producer", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func loadSecrets(ctx context.Context, cfg config.RazorpayConfig) (secrets.GatewaySecrets, error) {
	var provider secrets.Provider
	switch cfg.SecretsSource {
	case "aws":
		p, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion, cfg.SecretName)
		if err != nil {
			return secrets.GatewaySecrets{}, err
		}
		provider = p
	default:
		provider = secrets.NewEnvProvider(cfg.KeySecret, cfg.WebhookSecret)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return provider.GatewaySecrets(loadCtx)
}
