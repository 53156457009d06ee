package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devgodzilla/devgodzilla/internal/adapter/engines"
	"github.com/devgodzilla/devgodzilla/internal/adapter/gates"
	dghttp "github.com/devgodzilla/devgodzilla/internal/adapter/http"
	"github.com/devgodzilla/devgodzilla/internal/adapter/mcp"
	dgnats "github.com/devgodzilla/devgodzilla/internal/adapter/nats"
	"github.com/devgodzilla/devgodzilla/internal/adapter/natskv"
	"github.com/devgodzilla/devgodzilla/internal/adapter/otel"
	"github.com/devgodzilla/devgodzilla/internal/adapter/postgres"
	"github.com/devgodzilla/devgodzilla/internal/adapter/ristretto"
	"github.com/devgodzilla/devgodzilla/internal/adapter/tiered"
	"github.com/devgodzilla/devgodzilla/internal/adapter/windmill"
	"github.com/devgodzilla/devgodzilla/internal/adapter/ws"
	"github.com/devgodzilla/devgodzilla/internal/bus"
	"github.com/devgodzilla/devgodzilla/internal/config"
	"github.com/devgodzilla/devgodzilla/internal/git"
	"github.com/devgodzilla/devgodzilla/internal/logger"
	"github.com/devgodzilla/devgodzilla/internal/middleware"
	"github.com/devgodzilla/devgodzilla/internal/port/cache"
	"github.com/devgodzilla/devgodzilla/internal/port/executor"
	"github.com/devgodzilla/devgodzilla/internal/resilience"
	"github.com/devgodzilla/devgodzilla/internal/secrets"
	"github.com/devgodzilla/devgodzilla/internal/service"
)

// runServe wires the full service and blocks until SIGINT/SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.Setup(cfg.Logging)
	defer logCloser.Close()

	log.Info("config loaded",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"windmill_enabled", cfg.Windmill.Enabled,
		"nats", cfg.NATS.URL != "",
		"mcp", cfg.MCP.Enabled,
	)
	if cfg.Auth.APIToken == "" && cfg.Auth.APITokenHash == "" {
		log.Warn("api authentication disabled; set DEVGODZILLA_API_TOKEN or DEVGODZILLA_API_TOKEN_HASH")
	}

	ctx := context.Background()

	shutdownOtel, err := otel.Setup(ctx, cfg.Telemetry.ServiceName, version, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Database.URL); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)

	// The durable sink subscribes first so every event carries its log id
	// before any live consumer sees it.
	b := bus.New(1024)
	defer b.Close()
	b.SubscribeAll(bus.NewStoreSink(events).Handle)

	hub := ws.NewHub(log)
	defer hub.Close()
	b.SubscribeAll(hub.BroadcastEvent)

	var bridge *dgnats.Bridge
	if cfg.NATS.URL != "" {
		bridge, err = dgnats.Connect(ctx, cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer bridge.Close()
		b.SubscribeAll(bridge.Handle)
	}

	// --- Caches and registries ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	var c cache.Cache = l1
	if bridge != nil {
		// With NATS available, replicas share probe and repo-resolution
		// results through a KV-backed L2.
		kv, err := bridge.KeyValue(ctx, "devgodzilla_cache", time.Hour)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		c = tiered.New(l1, natskv.New(kv), 5*time.Minute)
	}

	engines.RegisterAll(c)
	gates.RegisterDefaults(cfg.QA)

	var external executor.Executor
	if cfg.Windmill.Enabled {
		wm := windmill.NewClient(cfg.Windmill)
		wm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		external = wm
	}

	worktrees := git.NewManager(cfg.Git, log)

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.DefaultKeys...))
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	log.Debug("secrets loaded", "keys", vault.Keys())

	// --- Services ---

	execSvc := service.NewExecutionService(store, b, cfg.Engines, cfg.Storage, log)
	execSvc.SetVault(vault)
	orch := service.NewOrchestratorService(store, b, execSvc, external, worktrees, log)
	quality := service.NewQualityService(store, b, cfg.QA, log)
	projects := service.NewProjectService(store, c, log)
	webhooks := service.NewWebhookService(store, b, projects, log)
	clarifs := service.NewClarificationService(store, b, log)
	reconciler := service.NewReconcilerService(store, b, external, log)

	orch.SetEvaluator(quality)
	orch.SetMetrics(metrics)
	execSvc.SetMetrics(metrics)
	quality.SetMetrics(metrics)
	webhooks.SetMetrics(metrics)
	reconciler.SetMetrics(metrics)
	execSvc.SetOnExecuted(func(ctx context.Context, stepRunID int64) {
		if _, err := orch.RunStepQA(ctx, stepRunID); err != nil {
			log.Error("qa after execution failed", "step_run_id", stepRunID, "error", err)
		}
	})
	quality.SetOnStepCompleted(func(ctx context.Context, protocolRunID int64) {
		if _, err := orch.CheckAndCompleteProtocol(ctx, protocolRunID); err != nil {
			log.Error("protocol completion check failed", "protocol_run_id", protocolRunID, "error", err)
		}
	})
	webhooks.SetOnJobSucceeded(func(ctx context.Context, stepRunID int64) {
		if _, err := orch.RunStepQA(ctx, stepRunID); err != nil {
			log.Error("qa after job success failed", "step_run_id", stepRunID, "error", err)
		}
	})

	// --- Background loops ---

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	if cfg.Recovery.Interval > 0 {
		go recoveryLoop(loopCtx, orch, cfg.Recovery.Interval, log)
	}
	if cfg.Windmill.Enabled && cfg.Windmill.ReconcileInterval > 0 {
		go reconcileLoop(loopCtx, reconciler, cfg.Windmill.ReconcileInterval, log)
	}

	// --- MCP ---

	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			Addr:     cfg.MCP.Addr,
			Name:     "devgodzilla",
			Version:  version,
			APIToken: cfg.Auth.APIToken,
		}, mcp.ServerDeps{
			ProjectLister:  projects,
			ProtocolReader: orch,
			Clarifications: clarifs,
			Reconciliation: reconciler,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mcpSrv.Stop(sctx)
		}()
	}

	// --- HTTP ---

	handlers := &dghttp.Handlers{
		Projects:       projects,
		Orchestrator:   orch,
		Execution:      execSvc,
		Quality:        quality,
		Reconciler:     reconciler,
		Clarifications: clarifs,
		Webhooks:       webhooks,
		Events:         service.NewEventService(events, cfg.Events),
		Health:         service.NewHealthService(store, external, log),
		EventsConfig:   cfg.Events,
	}

	r := chi.NewRouter()
	r.Use(dghttp.CORS(cfg.Server.CORSAllowOrigins))
	r.Use(dghttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(dghttp.SecurityHeaders)
	r.Use(otel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(middleware.Auth(cfg.Auth))

	dghttp.MountRoutes(r, handlers, cfg.Auth, cfg.Server.RequestTimeout, hub)
	r.Method(http.MethodGet, "/metrics", otel.MetricsHandler())

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)

	// Read/write timeouts stay zero: /events and the log streams hold the
	// response open indefinitely. The REST group carries its own timeout.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("devgodzilla listening", "addr", addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case sig := <-done:
		log.Info("shutting down", "signal", sig.String())
	}

	stopLoops()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// recoveryLoop periodically converges protocols stuck with no step in flight.
func recoveryLoop(ctx context.Context, orch *service.OrchestratorService, interval time.Duration, log *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			actions, err := orch.RecoverStuckProtocols(ctx)
			if err != nil {
				log.Error("recovery sweep failed", "error", err)
				continue
			}
			if len(actions) > 0 {
				log.Info("recovery sweep applied actions", "count", len(actions))
			}
		}
	}
}

// reconcileLoop periodically re-syncs running steps with the external executor.
func reconcileLoop(ctx context.Context, reconciler *service.ReconcilerService, interval time.Duration, log *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			report, err := reconciler.ReconcileRuns(ctx, service.ReconcileRequest{})
			if err != nil {
				log.Error("reconciliation pass failed", "error", err)
				continue
			}
			if report.MismatchesFound > 0 {
				log.Info("reconciliation pass corrected state",
					"mismatches", report.MismatchesFound,
					"auto_fixed", report.AutoFixed,
					"requires_manual", report.RequiresManual,
				)
			}
		}
	}
}
