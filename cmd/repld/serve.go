package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/replforge/repld/internal/config"
	"github.com/replforge/repld/internal/executor"
	"github.com/replforge/repld/internal/gateway/httpapi"
	"github.com/replforge/repld/internal/mcpserver"
	"github.com/replforge/repld/internal/observability"
	"github.com/replforge/repld/internal/ratelimit"
	"github.com/replforge/repld/internal/repl"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio (plus the HTTP gateway when configured)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `repld --config path` and `repld serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServe starts the MCP stdio server and, when configured, the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	// stdout carries the MCP transport, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("REPLD_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = servePort
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc := executor.NewProcessExecutor(executor.Config{
		Python:         cfg.Execution.Interpreter(),
		DefaultTimeout: cfg.Execution.DefaultTimeout(),
		MaxTimeout:     cfg.Execution.MaxTimeout(),
		OutputCap:      cfg.Output.StreamLimit(),
	}, logger)

	var exec executor.Executor = proc
	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
		exec = observability.NewInstrumentedExecutor(proc, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		obs.Health.AddCheck("worker_interpreter", proc.Available)
	}

	limits := repl.Limits{
		OutputLimit:        cfg.Output.StreamLimit(),
		MaxExecutions:      cfg.Execution.MaxPerSession,
		MaxResets:          cfg.Sessions.MaxResets,
		SmallFileThreshold: cfg.Sessions.SmallFileThreshold(),
	}
	registry := repl.NewRegistry(exec, limits, logger, metrics)

	// Idle session eviction sweep.
	if maxIdle := cfg.Sessions.IdleEviction(); maxIdle > 0 {
		sweeper := cron.New()
		_, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Sessions.SweepInterval()), func() {
			if evicted := registry.Sweep(maxIdle); len(evicted) > 0 {
				logger.Info("idle sessions evicted", slog.Int("count", len(evicted)))
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling eviction sweep: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
		logger.Info("idle eviction enabled",
			slog.String("max_idle", maxIdle.String()),
			slog.String("sweep_interval", cfg.Sessions.SweepInterval().String()),
		)
	}

	errs := make(chan error, 2)

	// Optional HTTP gateway.
	var gw *httpapi.Gateway
	if cfg.HTTP != nil && cfg.HTTP.Enabled {
		gwCfg := httpapi.Config{
			ListenAddr:     cfg.HTTP.Addr(),
			EnableDocs:     cfg.HTTP.EnableDocs,
			MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
		}
		if obs != nil {
			gwCfg.HealthChecker = obs.Health
			gwCfg.Metrics = obs.Metrics
			if obs.Metrics != nil {
				gwCfg.MetricsRegistry = obs.Metrics.Registry
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
			if obs.Tracer != nil {
				gwCfg.Tracer = obs.Tracer.Tracer()
			}
		}
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
		gw = httpapi.NewGateway(gwCfg, registry, limiter, logger)
		go func() {
			errs <- gw.Start(ctx)
		}()
	}

	// MCP over stdio.
	mcpSrv := mcpserver.New(registry, version, logger)
	go func() {
		errs <- mcpSrv.ServeStdio()
	}()

	logger.Info("repld started",
		slog.String("python", cfg.Execution.Interpreter()),
		slog.Bool("http_gateway", gw != nil),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("stopping http gateway", slog.String("error", err.Error()))
		}
	}
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}
	return nil
}
