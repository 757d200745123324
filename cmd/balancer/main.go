// Package main is the entry point for the provider balancer server.
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

	"github.com/robfig/cron/v3"

	"github.com/zkytech/claude-code-provider-balancer/internal/api"
	"github.com/zkytech/claude-code-provider-balancer/internal/auth"
	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/provider"
	"github.com/zkytech/claude-code-provider-balancer/internal/proxy"
	"github.com/zkytech/claude-code-provider-balancer/internal/router"
)

const (
	appName    = "claude-code-provider-balancer"
	appVersion = "0.9.0"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Settings.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting provider balancer",
		"version", appVersion,
		"host", cfg.Settings.Host,
		"port", cfg.Settings.Port,
		"providers", len(cfg.Providers),
	)

	registry := provider.NewRegistry(cfg)
	tracker := health.NewTracker(trackerConfig(cfg), logger)
	rt := router.New(registry, tracker)
	dd := dedup.NewRegistry(dedupOptions(cfg), logger)
	oauthManager := auth.NewOAuthManager(logger)

	// Reload swaps the registry generation and migrates dependent state by
	// provider name; requests in flight keep their captured descriptors.
	cfgManager.OnChange(func(newCfg *config.Config) {
		registry.Swap(newCfg)
		tracker.SetConfig(trackerConfig(newCfg))
		tracker.Migrate(registry.Names())
		rt.ResetSticky()
		dd.SetOptions(dedupOptions(newCfg))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	proxyHandler := proxy.NewHandler(registry, tracker, rt, dd, oauthManager, logger)
	apiHandler := api.NewHandler(appName, appVersion, cfgManager, registry, tracker, rt, dd, oauthManager, logger)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux, proxyHandler)

	handler := auth.Middleware(mux, func() config.AuthConfig {
		return registry.Settings().Auth
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		tracker.Sweep()
		dd.CleanupStuck(false)
	}); err != nil {
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}
	if cfg.Settings.OAuthAutoRefreshEnabled {
		if _, err := scheduler.AddFunc("@every 5m", func() {
			oauthManager.RefreshExpiring(ctx, 30*time.Minute)
		}); err != nil {
			return fmt.Errorf("schedule oauth refresh: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Settings.Host, cfg.Settings.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func trackerConfig(cfg *config.Config) health.Config {
	return health.Config{
		UnhealthyThreshold:    cfg.Settings.UnhealthyThreshold,
		UnhealthyWindow:       cfg.Settings.UnhealthyWindow(),
		UnhealthyResetTimeout: cfg.Settings.UnhealthyResetTimeout(),
		Cooldown:              cfg.Settings.Cooldown(),
	}
}

func dedupOptions(cfg *config.Config) dedup.Options {
	return dedup.Options{
		StuckTTL:  cfg.Settings.StuckRequestTTL(),
		TestDelay: cfg.Settings.TestingDelay(),
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
