package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/nexlevel/internal/api"
	"github.com/hyperengineering/nexlevel/internal/config"
	"github.com/hyperengineering/nexlevel/internal/metrics"
	"github.com/hyperengineering/nexlevel/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "nexlevel",
	Short:        "NexLevel - challenge and streak service",
	SilenceUsage: true,
	RunE:         run,
	Version:      Version,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(challengesCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(evaluateCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations run on open)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Database.Driver)

	// 5. Metrics registry
	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// 6. Services
	a, err := newApp(cfg, st, m, logger)
	if err != nil {
		st.Close()
		return err
	}
	provider, err := pushProvider(ctx, cfg.Push)
	if err != nil {
		st.Close()
		return err
	}
	slog.Info("services initialized",
		"coach_enabled", cfg.Coach.APIKey != "",
		"push_enabled", cfg.Push.Enabled(),
		"proof_storage_enabled", cfg.Proof.Bucket != "",
	)

	// 7. Initialize HTTP router
	handler := api.NewHandler(api.Deps{
		Auth:       a.auth,
		Challenges: a.challenges,
		Inbox:      a.inbox,
		Hub:        a.hub,
		Coach:      a.coach,
		Proofs:     a.proofs,
		Stats:      st,
		Version:    Version,
		Logger:     logger,
	})
	var limiter *api.IPRateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = api.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	router := api.NewRouter(handler, api.RouterConfig{
		Metrics:         m,
		MetricsHandler:  metricsHandler,
		MetricsUsername: cfg.Metrics.Username,
		MetricsPassword: cfg.Metrics.Password,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimiter:     limiter,
		Idempotency:     st,
		IdempotencyTTL:  time.Duration(cfg.Server.IdempotencyTTL),
	})
	slog.Info("router initialized")

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Workers
	var wg sync.WaitGroup
	evaluation := worker.NewEvaluationWorker(a.challenges, time.Duration(cfg.Worker.EvaluationInterval), m)
	startWorker(ctx, &wg, "evaluation", evaluation.Run)

	if cfg.Push.Enabled() {
		push := worker.NewPushWorker(st, provider,
			time.Duration(cfg.Worker.PushInterval),
			cfg.Worker.PushBatchSize,
			cfg.Worker.PushMaxAttempts,
			m,
		)
		startWorker(ctx, &wg, "push", push.Run)
	}

	pruners := []worker.VisitorPruner{a.coach}
	if limiter != nil {
		pruners = append(pruners, limiter)
	}
	maintenance := worker.NewMaintenanceWorker(st,
		time.Duration(cfg.Worker.MaintenanceInterval),
		time.Duration(cfg.Worker.NotificationRetention),
		pruners...,
	)
	startWorker(ctx, &wg, "maintenance", maintenance.Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := st.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
