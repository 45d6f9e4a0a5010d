// Command voicebridge runs the telephony-to-realtime audio bridge: it serves
// the Twilio voice webhook and media-stream WebSocket, and proxies each call
// to the OpenAI Realtime API with transcoding in both directions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callergy/voicebridge/internal/config"
	"github.com/callergy/voicebridge/internal/metrics"
	"github.com/callergy/voicebridge/pkg/bridge"
	"github.com/callergy/voicebridge/pkg/telephony"
	"github.com/callergy/voicebridge/pkg/twilio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; env vars cover secrets)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	logger.Info("voicebridge starting",
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Realtime.Model,
		"telephony_rate", cfg.Audio.TelephonyRate,
		"realtime_rate", cfg.Audio.RealtimeRate,
	)
	if cfg.Realtime.APIKey == "" {
		logger.Warn("no API key configured; calls will be rejected",
			"env", config.EnvOpenAIKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Call records are optional: without a database the store is a no-op.
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to open database pool", "error", err)
			return 1
		}
		defer pool.Close()
	}
	store := telephony.NewCallStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure database schema", "error", err)
		return 1
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// REST credentials let the bridge hang up the call leg after a fatal
	// error instead of leaving the caller in silence.
	var calls bridge.CallEnder
	if restClient := twilio.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken); restClient.Configured() {
		calls = restClient
	}

	b := bridge.New(cfg, logger, m, store, nil, calls)
	webhooks := telephony.NewWebhookHandlers(cfg.Server.PublicURL, store, logger)

	mux := http.NewServeMux()
	webhooks.RegisterRoutes(mux, b.HandleStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/calls", b.ServeStatus)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server ready")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
