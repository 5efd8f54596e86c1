// shsh-labs chat streaming server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/api"
	"github.com/ashureev/shsh-labs/internal/cancelreg"
	"github.com/ashureev/shsh-labs/internal/config"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/kv"
	"github.com/ashureev/shsh-labs/internal/livebus"
	"github.com/ashureev/shsh-labs/internal/maintenance"
	"github.com/ashureev/shsh-labs/internal/middleware"
	"github.com/ashureev/shsh-labs/internal/permission"
	"github.com/ashureev/shsh-labs/internal/queue"
	"github.com/ashureev/shsh-labs/internal/ratelimit"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/scheduler"
	"github.com/ashureev/shsh-labs/internal/sse"
	"github.com/ashureev/shsh-labs/internal/store"
	"github.com/ashureev/shsh-labs/internal/stream"
	"github.com/ashureev/shsh-labs/internal/taskworker"
	"github.com/ashureev/shsh-labs/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	st, err := store.NewSQLite(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("failed to close store", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Ping(ctx); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	kvClient := kv.New(kv.Config{Addr: cfg.KV.Addr, Password: cfg.KV.Password, DB: cfg.KV.DB})
	bus := livebus.New(kvClient)
	cancelReg := cancelreg.New(cfg.TTL.Cancel)
	permReg := permission.New()
	queueStore := queue.New(kvClient, cfg.TTL.Queue)
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	sandboxSvc, err := sandbox.NewDockerService(cfg.Sandbox)
	if err != nil {
		slog.Error("failed to initialize sandbox service", "error", err)
		os.Exit(1)
	}
	networkID, err := sandboxSvc.EnsureNetwork(ctx)
	if err != nil {
		slog.Error("failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("sandbox network ready", "network_id", networkID)

	var runnerCmd []string
	if cfg.AgentRunnerCmd != "" {
		runnerCmd = strings.Fields(cfg.AgentRunnerCmd)
	}
	runner := agentrunner.NewDockerExecRunner(sandboxSvc, runnerCmd)

	streamCfg := stream.Config{
		FlushInterval:        cfg.Batch.FlushInterval,
		FlushCount:           cfg.Batch.FlushCount,
		ContextUsagePoll:     cfg.ContextUsage.PollInterval,
		ContextUsageCacheTTL: cfg.TTL.ContextUsageCache,
	}
	streamDeps := func() stream.Deps {
		return stream.Deps{
			Store:     st,
			Bus:       bus,
			CancelReg: cancelReg,
			Queue:     queueStore,
			KV:        kvClient,
			Sandbox:   sandboxSvc,
			Runner:    runner,
			Config:    streamCfg,
		}
	}

	resumer := sse.New(st, st, bus, sse.Config{
		PollInterval:      cfg.SSE.PollInterval,
		PageSize:          cfg.SSE.PageSize,
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
	})

	worker := taskworker.New(st, sandboxSvc, streamDeps)
	sched := scheduler.New(st, worker, cfg.Scheduler.ClaimBatchSize)

	maint, err := maintenance.New(maintenance.Deps{
		Scheduler:         sched,
		Store:             st,
		Sandbox:           sandboxSvc,
		ChatStore:         st,
		SchedulerTickCron: "@every " + cfg.Scheduler.TickInterval.String(),
		StaleExecutionAge: cfg.Scheduler.ExecutionReapAge,
	})
	if err != nil {
		slog.Error("failed to initialize maintenance loop", "error", err)
		os.Exit(1)
	}
	maint.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := maint.Stop(stopCtx); err != nil {
			slog.Error("maintenance loop stop failed", "error", err)
		}
	}()

	handler := api.NewHandler(st, bus, cancelReg, permReg, queueStore, kvClient, sandboxSvc, runner, resumer, sched, limiter, streamCfg, *cfg)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{cfg.FrontendURL}
	if cfg.FrontendURL == "" {
		corsOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, SSE streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.HTTPGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped successfully")
}
