package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kodax/payment-router/internal/admin"
	"github.com/kodax/payment-router/internal/alert"
	"github.com/kodax/payment-router/internal/blocklist"
	"github.com/kodax/payment-router/internal/config"
	"github.com/kodax/payment-router/internal/connector"
	"github.com/kodax/payment-router/internal/connector/cryptopay"
	"github.com/kodax/payment-router/internal/connector/globalpay"
	"github.com/kodax/payment-router/internal/guard"
	"github.com/kodax/payment-router/internal/metrics"
	"github.com/kodax/payment-router/internal/poller"
	"github.com/kodax/payment-router/internal/reconcile"
	"github.com/kodax/payment-router/internal/reconciliation"
	"github.com/kodax/payment-router/internal/router"
	"github.com/kodax/payment-router/internal/store/postgres"
	redispkg "github.com/kodax/payment-router/internal/store/redis"
	"github.com/kodax/payment-router/internal/tracing"
	"github.com/kodax/payment-router/internal/webhook"
)

const dbPoolStatsInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting payment-router",
		"webhook_port", cfg.Server.WebhookPort,
		"admin_port", cfg.Server.AdminPort,
		"metrics_port", cfg.Server.MetricsPort,
		"poll_max_attempts", cfg.Poller.MaxAttempts,
		"poll_backoff", cfg.Poller.Backoff,
	)

	// Initialize OpenTelemetry tracing
	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "payment-router", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Webhook dedupe cache
	dedupe, err := redispkg.NewDedupe(cfg.Redis.URL, cfg.Redis.DedupeTTL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer dedupe.Close()

	// Repositories
	attemptRepo := postgres.NewAttemptRepo(db)
	blocklistRepo := postgres.NewBlocklistRepo(db)
	guardCfgRepo := postgres.NewGuardConfigRepo(db)

	// Alerting
	alerter := buildAlerter(cfg, logger)

	// Connector registry
	registry := connector.NewRegistry()
	registerConnectors(registry, cfg, logger)

	// Core services
	engine := reconcile.NewEngine(db, attemptRepo, alerter, logger)
	callGuard := guard.New(guard.Config{
		FailureThreshold: cfg.Guard.FailureThreshold,
		SuccessThreshold: cfg.Guard.SuccessThreshold,
		OpenTimeout:      cfg.Guard.OpenTimeout,
		RPS:              cfg.Guard.RPS,
		Burst:            cfg.Guard.Burst,
	}, alerter, logger)
	coordinator := poller.NewCoordinator(registry, callGuard, engine, attemptRepo, alerter, poller.Config{
		Policy:      poller.BackoffPolicy(cfg.Poller.Backoff),
		Interval:    cfg.Poller.InitialInterval,
		MaxInterval: cfg.Poller.MaxInterval,
		MaxAttempts: cfg.Poller.MaxAttempts,
	}, logger)
	preflight := blocklist.NewGuard(blocklistRepo, guardCfgRepo, cfg.Blocklist.CacheSize, cfg.Blocklist.CacheTTL, logger)
	routerSvc := router.NewService(registry, preflight, callGuard, engine, attemptRepo, coordinator, router.PollPolicy{
		MaxAttempts:  cfg.Poller.MaxAttempts,
		WebhookGrace: cfg.Poller.WebhookGrace,
	}, logger)

	sweeper := reconciliation.NewService(attemptRepo, routerSvc, alerter, reconciliation.Config{
		Interval:   cfg.Sweep.Interval,
		StuckAfter: cfg.Sweep.StuckAfter,
		BatchSize:  cfg.Sweep.BatchSize,
	}, logger)

	// HTTP surfaces
	normalizer := webhook.NewNormalizer(registry, attemptRepo, engine, dedupe, logger)
	webhookSrv := webhook.NewServer(normalizer, logger)

	adminSrv := admin.NewServer(blocklistRepo, guardCfgRepo, attemptRepo, logger,
		admin.WithGuardInvalidator(preflight),
		admin.WithAttemptSyncer(routerSvc),
		admin.WithConnectorLister(registry),
	)
	adminRL := admin.NewRateLimitMiddleware(logger)
	defer adminRL.Stop()
	adminHandler := admin.AuditMiddleware(logger, adminRL.Wrap(adminSrv.Handler()))

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gCtx, "webhook", cfg.Server.WebhookPort, webhookSrv.Handler(), logger)
	})
	g.Go(func() error {
		return runServer(gCtx, "admin", cfg.Server.AdminPort, adminHandler, logger)
	})
	g.Go(func() error {
		return runMetricsServer(gCtx, cfg.Server.MetricsPort, logger)
	})

	startDBPoolStatsPump(gCtx, db)
	sweeper.Start(gCtx)

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	err = g.Wait()

	// Let in-flight poll runs and sweeps finish before tearing down.
	coordinator.Wait()
	sweeper.Wait()

	if err != nil && err != context.Canceled {
		logger.Error("payment-router exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("payment-router shut down gracefully")
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(alerters) == 0 {
		logger.Info("no alert channels configured, alerts disabled")
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
}

func registerConnectors(registry *connector.Registry, cfg *config.Config, logger *slog.Logger) {
	if cfg.GlobalPay.APIKey != "" {
		transport := connector.NewHTTPTransport("globalpay", cfg.GlobalPay.BaseURL, cfg.GlobalPay.Timeout)
		registry.Register("globalpay", cfg.GlobalPay.ProfileID, globalpay.New(transport), connector.Credentials{
			APIKey:     cfg.GlobalPay.APIKey,
			APISecret:  cfg.GlobalPay.APISecret,
			MerchantID: cfg.GlobalPay.MerchantID,
		})
		logger.Info("connector registered", "connector", "globalpay", "profile", cfg.GlobalPay.ProfileID)
	}
	if cfg.CryptoPay.APIKey != "" {
		transport := connector.NewHTTPTransport("cryptopay", cfg.CryptoPay.BaseURL, cfg.CryptoPay.Timeout)
		registry.Register("cryptopay", cfg.CryptoPay.ProfileID, cryptopay.New(transport), connector.Credentials{
			APIKey:     cfg.CryptoPay.APIKey,
			APISecret:  cfg.CryptoPay.APISecret,
			MerchantID: cfg.CryptoPay.MerchantID,
		})
		logger.Info("connector registered", "connector", "cryptopay", "profile", cfg.CryptoPay.ProfileID)
	}
	if len(registry.Connectors()) == 0 {
		logger.Warn("no connectors configured; authorize calls will fail until credentials are set")
	}
}

func startDBPoolStatsPump(ctx context.Context, db *postgres.DB) {
	ticker := time.NewTicker(dbPoolStatsInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
				metrics.DBPoolInUse.Set(float64(stats.InUse))
				metrics.DBPoolIdle.Set(float64(stats.Idle))
			}
		}
	}()
}

func runServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return runServer(ctx, "metrics", port, mux, logger)
}
