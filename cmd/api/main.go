package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/lead-capture-engine/internal/alertbuffer"
	"github.com/wolfman30/lead-capture-engine/internal/api/router"
	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/compliance"
	appconfig "github.com/wolfman30/lead-capture-engine/internal/config"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/http/handlers"
	"github.com/wolfman30/lead-capture-engine/internal/idempotency"
	"github.com/wolfman30/lead-capture-engine/internal/nudge"
	"github.com/wolfman30/lead-capture-engine/internal/observability/metrics"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/ratelimit"
	"github.com/wolfman30/lead-capture-engine/internal/safety"
	"github.com/wolfman30/lead-capture-engine/internal/sms"
	"github.com/wolfman30/lead-capture-engine/internal/store"
	"github.com/wolfman30/lead-capture-engine/internal/store/migrations"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
	"github.com/wolfman30/lead-capture-engine/internal/tenant"
	"github.com/wolfman30/lead-capture-engine/internal/voice"
	"github.com/wolfman30/lead-capture-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting lead-capture-engine API server", "env", cfg.Env, "port", cfg.Port)

	if issues := cfg.TelephonyIssues(); len(issues) > 0 {
		for _, issue := range issues {
			logger.Error("TELEPHONY MISCONFIGURATION", "issue", issue)
		}
		if !cfg.SafeMode {
			logger.Error("exiting: telephony is misconfigured and safe mode is off")
			os.Exit(1)
		}
		logger.Error("safe mode is on, continuing without real telephony credentials")
	}

	appCtx, stop := context.WithCancel(context.Background())
	defer stop()

	dbPool := connectPostgresPool(appCtx, cfg.DatabaseURL, logger)
	defer dbPool.Close()

	sqlDB := stdlib.OpenDBFromPool(dbPool)
	defer sqlDB.Close()
	runAutoMigrate(sqlDB, logger)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	defer redisClient.Close()

	appMetrics := metrics.New(nil)
	auditor := compliance.NewAuditService(sqlDB)

	// Stores
	leadStore := store.NewLeadStore(dbPool)
	tenantStore := store.NewTenantStore(dbPool)

	// Supporting components
	guard := idempotency.New(dbPool)
	guard.Metrics = appMetrics
	ledger := consent.New(dbPool)
	ledger.Audit = auditor
	appClock := clock.New(cfg.DefaultTimezone)
	optOutCache := consent.NewOptOutCache(redisClient, leadStore)
	tenantCache := tenant.New(redisClient, tenantStore, appClock)
	quietHours := clock.ParseQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	safetyGate := safety.New(optOutCache, tenantCache, appClock, quietHours)
	safetyGate.Audit = auditor
	limiter := ratelimit.New(dbPool, cfg.RateLimitPerMinute, cfg.RateLimitWindow, logger.Logger)
	limiter.Metrics = appMetrics

	gateway := buildTelephonyGateway(cfg, logger)

	// Outbound queue and dispatcher pool
	queue := outbound.New(dbPool, cfg.MaxRetries, cfg.StuckClaimTimeout)
	dispatcher := outbound.NewDispatcher(queue, gateway, safetyGate, leadStore, logger.Logger, cfg.DispatcherWorkerCount, cfg.ClaimBatchSize)
	dispatcher.Metrics = appMetrics
	go dispatcher.Run(appCtx)

	// Alert debouncer sweep loop
	alerts := alertbuffer.New(dbPool, cfg.AlertDebounceWindow, logger.Logger)
	go runAlertSweepLoop(appCtx, alerts, queue, logger)

	nudges := nudge.New(queue)

	smsRouter := sms.New(tenantCache, guard, leadStore, ledger, queue, alerts, nudges, logger.Logger)
	voiceRouter := voice.New(tenantCache, guard, leadStore, ledger, queue, nudges, gateway, appClock, logger.Logger)

	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")
	telephonyHandler := handlers.NewTelephonyWebhookHandler(
		gateway, voiceRouter, smsRouter, leadStore, ledger, queue, limiter, cfg, publicBaseURL, logger.Logger,
	)
	unsubscribe := handlers.NewUnsubscribeToken(cfg.UnsubscribeHMACSecret, cfg.UnsubscribeTokenTTL)

	r := router.New(&router.Config{
		Logger:             logger,
		Telephony:          telephonyHandler,
		Unsubscribe:        unsubscribe,
		ExposeMetrics:      true,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stop()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if dbURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dbURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")
	return pool
}

func runAutoMigrate(db *sql.DB, logger *logging.Logger) {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		logger.Error("auto-migrate: failed to open migrations source", "error", err)
		return
	}
	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		logger.Error("auto-migrate: failed to create db driver", "error", err)
		return
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Error("auto-migrate: failed to create migrator", "error", err)
		return
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("auto-migrate: migration failed", "error", err)
		return
	}
	logger.Info("auto-migrate: database migrations applied")
}

func buildTelephonyGateway(cfg *appconfig.Config, logger *logging.Logger) telephony.Gateway {
	if cfg.SafeMode || cfg.TelephonyProvider == "fake" {
		logger.Info("using fake telephony gateway", "safe_mode", cfg.SafeMode, "provider", cfg.TelephonyProvider)
		return telephony.NewFakeGateway()
	}
	gateway, err := telephony.NewTelnyxGateway(telephony.TelnyxConfig{
		APIKey:             cfg.TelnyxAPIKey,
		WebhookSecret:      cfg.TelnyxWebhookSecret,
		MessagingProfileID: cfg.TelnyxMessagingFromID,
	})
	if err != nil {
		logger.Error("failed to build telnyx gateway", "error", err)
		os.Exit(1)
	}
	return gateway
}

// runAlertSweepLoop polls the Alert Debouncer every five seconds and hands due
// buffers to the Outbound Queue, following the teacher's ticker-loop poller
// shape (internal/worker/messaging/hosted_poller.go).
func runAlertSweepLoop(ctx context.Context, alerts *alertbuffer.Debouncer, queue *outbound.Queue, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	enqueueFn := func(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, operatorPhone, body string) error {
		_, _, err := queue.Enqueue(ctx, tx, tenantID, operatorPhone, body, nil, nil, true)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := alerts.Sweep(ctx, time.Now(), enqueueFn)
			if err != nil {
				logger.Error("alert sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("alert sweep dispatched buffers", "count", n)
			}
		}
	}
}
