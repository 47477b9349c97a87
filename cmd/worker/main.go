// Command worker runs the queue worker that drives generation tasks to a
// terminal state, plus the crash-recovery sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rinat3636/mybottg/internal/adapter/backend/comfy"
	"github.com/rinat3636/mybottg/internal/adapter/notify/telegram"
	"github.com/rinat3636/mybottg/internal/adapter/repo/postgres"
	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/app"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/observability"
	"github.com/rinat3636/mybottg/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("fatal: invalid configuration", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "FATAL: %v\nSet them and restart.\n", err)
		os.Exit(1)
	}

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.New(cfg)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	queue := store.NewQueue(st, store.QueueConfig{
		UserCap:   cfg.MaxQueuedTasksPerUser,
		GlobalCap: cfg.MaxGlobalQueueSize,
		LockTTL:   cfg.GenerationLockTTL,
	})
	gpu := store.NewGPUSemaphore(st, cfg.MaxGPUJobs)

	ledger := postgres.NewLedgerRepo(pool)
	gens := postgres.NewGenerationRepo(pool)
	notifier := telegram.New(cfg.TelegramBotToken)
	backend := comfy.New(cfg.BackendURL)

	sweeper := app.NewSweeper(queue, gpu, ledger, gens, notifier, cfg)
	sched := app.NewScheduler()
	if err := sched.AddSweeper(sweeper, cfg.SweepInterval); err != nil {
		slog.Error("sweeper schedule failed", slog.Any("error", err))
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	w := worker.New(queue, gpu, st, ledger, gens, backend, notifier, cfg)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
