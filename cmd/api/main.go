package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-portal/internal/api/router"
	"github.com/wolfman30/clinic-portal/internal/app/bootstrap"
	"github.com/wolfman30/clinic-portal/internal/authority"
	appconfig "github.com/wolfman30/clinic-portal/internal/config"
	"github.com/wolfman30/clinic-portal/internal/events"
	"github.com/wolfman30/clinic-portal/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-portal/internal/http/middleware"
	"github.com/wolfman30/clinic-portal/internal/observability/metrics"
	"github.com/wolfman30/clinic-portal/internal/signals"
	"github.com/wolfman30/clinic-portal/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-portal API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"signal_bus", cfg.SignalBus,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.close()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workers := app.start(ctx)

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	workers.Wait()

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// app is the wired authority process.
type app struct {
	handler   http.Handler
	hub       *signals.Hub
	bus       signals.Bus
	deliverer *events.Deliverer
	limiter   *httpmiddleware.RateLimiter
	logger    *logging.Logger
	closers   []func()
}

func buildApp(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*app, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	a := &app{logger: logger}

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		a.closers = append(a.closers, pool.Close)
	}

	bus, closeBus, err := bootstrap.BuildSignalBus(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus = bus
	a.closers = append(a.closers, closeBus)
	a.hub = signals.NewHub(cfg.CORSAllowedOrigins, logger)

	metricsHandler, authorityMetrics := setupMetrics()

	outbox, ledger := bootstrap.BuildOutbox(pool, cfg.OutboxLease)
	sender, err := bootstrap.BuildEmailSender(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	creator, err := bootstrap.BuildRecordsCreator(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.deliverer = bootstrap.BuildDeliverer(cfg, outbox, ledger, sender, creator, authorityMetrics, logger)

	gate, workflow := bootstrap.BuildPolicy(cfg)
	svc := authority.NewService(bootstrap.BuildAuthorityStore(pool, logger), authority.Options{
		Gate:     gate,
		Workflow: workflow,
		Signals:  bus,
		Tasks:    outbox,
		Metrics:  authorityMetrics,
		Logger:   logger,
	})

	if cfg.RateLimitRPS > 0 {
		a.limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	a.handler = router.New(&router.Config{
		Logger:             logger,
		Appointments:       handlers.NewAppointmentsHandler(svc, logger),
		Notifications:      handlers.NewNotificationsHandler(svc, logger),
		Invoices:           handlers.NewInvoicesHandler(svc, logger),
		Signals:            handlers.NewSignalsHandler(a.hub, logger),
		Health:             handlers.Health(healthChecks(pool)...),
		MetricsHandler:     metricsHandler,
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        a.limiter,
	})
	return a, nil
}

// start launches the background loops; the WaitGroup completes once ctx ends.
func (a *app) start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() {
		if err := a.bus.Run(ctx, a.hub); err != nil && ctx.Err() == nil {
			a.logger.Error("signal bus stopped", "error", err)
		}
	})
	run(func() { a.deliverer.Start(ctx) })
	if a.limiter != nil {
		run(func() { a.limiter.RunEviction(ctx, time.Minute) })
	}
	return &wg
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func healthChecks(pool *pgxpool.Pool) []handlers.HealthCheck {
	if pool == nil {
		return nil
	}
	return []handlers.HealthCheck{{Name: "postgres", Check: pool.Ping}}
}

func setupMetrics() (http.Handler, *metrics.AuthorityMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewAuthorityMetrics(reg)
}
