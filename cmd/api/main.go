package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meter-recharge/config"
	"meter-recharge/internal/adapter/gateway"
	httpHandler "meter-recharge/internal/adapter/http/handler"
	"meter-recharge/internal/adapter/messaging"
	"meter-recharge/internal/adapter/meter"
	"meter-recharge/internal/adapter/storage/memory"
	pgStorage "meter-recharge/internal/adapter/storage/postgres"
	redisStorage "meter-recharge/internal/adapter/storage/redis"
	"meter-recharge/internal/core/ports"
	"meter-recharge/internal/service"
	"meter-recharge/internal/worker"
	"meter-recharge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("ledger", cfg.Database.Driver).
		Msg("Starting meter recharge service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	var (
		txRepo    ports.TransactionRepository
		logRepo   ports.WebhookLogRepository
		sweepRepo ports.SweepRunRepository
		checkers  []ports.HealthChecker
	)
	switch cfg.Database.Driver {
	case "memory":
		store := memory.NewStore()
		txRepo, logRepo, sweepRepo = store.Transactions(), store.WebhookLogs(), store.SweepRuns()
		checkers = append(checkers, store)
		log.Warn().Msg("Using in-memory ledger; state is lost on restart")
	default:
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		txRepo = pgStorage.NewTransactionRepo(pool)
		logRepo = pgStorage.NewWebhookLogRepo(pool)
		sweepRepo = pgStorage.NewSweepRunRepo(pool)
		checkers = append(checkers, pgStorage.NewHealthCheck(pool))
	}

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	checkers = append(checkers, redisStorage.NewHealthCheck(rdb))

	// Payment gateways
	registry := buildGateways(cfg.Gateways, log)
	log.Info().Strs("gateways", registry.Names()).Msg("Payment gateways configured")

	// Meter platform
	meterClient := meter.NewClient(cfg.Meter, logger.Component(log, "meter-client"))
	meterAuth := meter.NewAuthenticator(cfg.Meter, redisStorage.NewTokenCache(rdb), logger.Component(log, "meter-auth"))
	saleIDs, err := service.NewSaleIDStrategy(cfg.Meter.SaleIDStrategy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sale id strategy")
	}

	// Outcome events
	var events ports.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		events = messaging.NewKafkaPublisher(cfg.Kafka, log)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka event publishing enabled")
	} else {
		events = messaging.NewNoopPublisher(log)
	}
	defer func() {
		if err := events.Close(); err != nil {
			log.Error().Err(err).Msg("Closing event publisher")
		}
	}()

	// Business services
	engine := service.NewReconciliationService(
		txRepo,
		sweepRepo,
		registry,
		meterClient,
		meterAuth,
		saleIDs,
		events,
		service.ReconcileSettings{
			ClaimLease:      cfg.Reconcile.ClaimLease,
			CreditTimeout:   cfg.Meter.CreditTimeout,
			ReuseSaleID:     cfg.Meter.ReuseSaleID,
			ReferencePrefix: cfg.Reconcile.ReferencePrefix,
			Concurrency:     cfg.Recovery.Concurrency,
			BatchLimit:      cfg.Recovery.BatchLimit,
		},
		logger.Component(log, "reconcile"),
	)
	paymentSvc := service.NewPaymentService(
		txRepo,
		registry,
		engine,
		redisStorage.NewStatusCache(rdb),
		cfg.Reconcile.ReferencePrefix,
		cfg.Reconcile.StatusCacheTTL,
		logger.Component(log, "payments"),
	)
	webhookSvc := service.NewWebhookIntakeService(registry, logRepo, engine, logger.Component(log, "webhooks"))

	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	adminAuthSvc := service.NewAdminAuthService(
		cfg.Admin.Username,
		cfg.Admin.PasswordHash,
		service.NewArgon2HashService(),
		tokenSvc,
		logger.Component(log, "admin-auth"),
	)

	// Setup Gin router with all routes
	gin.SetMode(ginMode(cfg.Server.Mode))
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		PaymentSvc:     paymentSvc,
		WebhookSvc:     webhookSvc,
		ReconcileSvc:   engine,
		AdminAuthSvc:   adminAuthSvc,
		TokenSvc:       tokenSvc,
		RecoverySecret: cfg.Recovery.SharedSecret,
		RateLimitStore: redisStorage.NewRateLimitStore(rdb),
		HealthCheckers: checkers,
		Logger:         log,
	})

	// Background recovery sweeps
	var scheduler *worker.RecoveryScheduler
	if cfg.Recovery.Interval > 0 {
		scheduler = worker.NewRecoveryScheduler(engine, cfg.Recovery.Interval, cfg.Recovery.Lookback, log)
		// Stopped explicitly below so an in-flight sweep drains instead of being cancelled by the signal.
		go scheduler.Start(context.WithoutCancel(ctx))
	}

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	// In-flight credits must finish recording; the shutdown window exceeds the credit timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Meter.CreditTimeout+10*time.Second)
	defer cancel()

	var g errgroup.Group
	if scheduler != nil {
		g.Go(func() error { return scheduler.Stop(shutdownCtx) })
	}
	g.Go(func() error { return srv.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func buildGateways(cfg config.GatewaysConfig, log zerolog.Logger) *gateway.Registry {
	var gateways []ports.PaymentGateway
	if cfg.Card.Enabled {
		gateways = append(gateways, gateway.NewCardGateway(cfg.Card, service.NewHMACSHA512SignatureService(), logger.Component(log, "gateway-card")))
	}
	if cfg.Transfer.Enabled {
		gateways = append(gateways, gateway.NewTransferGateway(cfg.Transfer, service.NewHMACSignatureService(), logger.Component(log, "gateway-transfer")))
	}
	return gateway.NewRegistry(gateways...)
}

func ginMode(mode string) string {
	switch mode {
	case "release":
		return gin.ReleaseMode
	case "test":
		return gin.TestMode
	}
	return gin.DebugMode
}
