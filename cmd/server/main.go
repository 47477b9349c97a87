// Command server starts the ingress HTTP server: health, provider webhooks,
// and the payment reconciler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/rinat3636/mybottg/internal/adapter/httpserver"
	"github.com/rinat3636/mybottg/internal/adapter/notify/telegram"
	"github.com/rinat3636/mybottg/internal/adapter/payment/yookassa"
	"github.com/rinat3636/mybottg/internal/adapter/repo/postgres"
	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/app"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/observability"
	"github.com/rinat3636/mybottg/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("fatal: invalid configuration", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "FATAL: %v\nSet them and restart.\n", err)
		os.Exit(1)
	}

	observability.InitMetrics()
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
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
	if err := st.Ping(ctx); err != nil {
		slog.Error("redis ping failed", slog.Any("error", err))
		os.Exit(1)
	}

	notifier := telegram.New(cfg.TelegramBotToken)
	svcs := app.NewServices(cfg, pool, st, notifier)

	// Payments are optional; without provider credentials neither the
	// webhook path nor the reconciler does anything.
	var payments *usecase.PaymentService
	sched := app.NewScheduler()
	if cfg.PaymentsEnabled() {
		provider := yookassa.New(cfg.YookassaShopID, cfg.YookassaSecretKey, cfg.TelegramWebhookURL)
		payments = usecase.NewPaymentService(svcs.Payments, svcs.Users, provider, notifier, cfg.ReconcileMaxAge)
		if err := sched.AddReconciler(payments, cfg.ReconcileInterval); err != nil {
			slog.Error("reconciler schedule failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("payment reconciler scheduled", slog.Duration("interval", cfg.ReconcileInterval))
	} else {
		slog.Warn("payment provider not configured, payments disabled")
	}
	sched.Start()
	defer sched.Stop()

	if cfg.TelegramWebhookURL != "" {
		if err := notifier.SetWebhook(ctx, cfg.FullTelegramWebhookURL(), cfg.TelegramWebhookSecret); err != nil {
			slog.Error("telegram webhook registration failed", slog.Any("error", err))
		} else {
			slog.Info("telegram webhook registered")
		}
	}

	srv := httpserver.NewServer(cfg, st, payments, nil)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
