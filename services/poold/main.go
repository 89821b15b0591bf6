package poold

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"tidepool/core/epoch"
	"tidepool/core/events"
	"tidepool/integrations/webhooks"
	"tidepool/observability"
	"tidepool/observability/logging"
	telemetry "tidepool/observability/otel"
	"tidepool/services/poold/history"
	mw "tidepool/services/poold/middleware"
	"tidepool/storage"
)

// Main initialises and runs the pool daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("TIDEPOOL_ENV"))
	}
	logger, logCloser, err := logging.SetupWithOptions(logging.Options{
		Service:    "poold",
		Env:        env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "poold",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	var store *history.Store
	if !cfg.History.Disable {
		dsn := cfg.History.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "history.db")
		}
		store, err = history.Open(dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("event history ready", "dsn", logging.RedactDSN(dsn), "sequence", store.LastSequence())
	}

	clock, err := epoch.NewClock(epoch.Config{Length: cfg.EpochLength.Duration}, clockwork.NewRealClock())
	if err != nil {
		return fmt.Errorf("epoch clock: %w", err)
	}
	targets, err := cfg.DistributionTargets()
	if err != nil {
		return err
	}
	admin, _ := cfg.AdminIdentity()
	metrics := observability.Poold()
	ledger, err := NewLedger(db, LedgerOptions{
		Clock:     clock,
		Assets:    cfg.Assets,
		Targets:   targets,
		Admin:     admin,
		FeePolicy: cfg.FeePolicy(),
		CacheSize: cfg.Weights.CacheSize,
		History:   store,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	broker := NewBroker(clock.Source().Now)
	if store != nil {
		broker.ResumeFrom(store.LastSequence())
	}
	sinks := events.Fanout{observability.Events(), broker}
	for _, hook := range cfg.Webhooks {
		opts := []webhooks.Option{
			webhooks.WithEventTypes(hook.EventTypes...),
			webhooks.WithRetryPolicy(webhooks.RetryPolicy{Attempts: hook.MaxAttempts}),
			webhooks.WithLogger(logger.With("component", "webhooks")),
		}
		dispatcher, err := webhooks.NewDispatcher(hook.Endpoint, []byte(hook.Secret), opts...)
		if err != nil {
			return fmt.Errorf("webhook %s: %w", hook.Endpoint, err)
		}
		defer dispatcher.Close()
		sinks = append(sinks, dispatcher)
	}
	ledger.SetSink(sinks)

	applied, err := ledger.Bootstrap(context.Background(), cfg.Genesis)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis credits applied", "count", len(cfg.Genesis))
	}

	limits := make(map[string]mw.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = mw.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	server := NewServer(ServerConfig{
		Ledger:  ledger,
		History: store,
		Broker:  broker,
		Auth: mw.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimits: limits,
		Metrics:    metrics,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keeper := NewKeeper(ledger, cfg.Keeper.Interval.Duration, metrics, logger)
	go keeper.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("poold listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Uint64("epoch_length", clock.Length()),
			slog.Any("assets", ledger.Assets()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
