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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/toolgate/internal/audit"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/eventstream"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/server"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/internal/toolruntime"
	"github.com/haasonsaas/toolgate/internal/tools"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the config, wires the runtime and its sinks, and serves
// until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging.LogConfig(os.Stderr)).Slog()
	slog.SetDefault(logger)

	logger.Info("starting toolgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, shutdownTracer := observability.NewTracer(cfg.Observability.Tracing.TraceConfig(version))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	bus := runs.NewBus(runs.WithLogger(logger), runs.WithMetrics(metrics))
	store := storage.NewMemoryRunStore(storage.WithMaxFinishedRuns(cfg.History.MaxFinishedRuns))
	defer storage.NewRecorder(store, bus, logger).Attach()()

	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLogger(cfg.Audit.AuditLoggerConfig())
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer func() {
			if err := auditLogger.Close(); err != nil {
				logger.Warn("audit log close error", "error", err)
			}
		}()
		defer auditLogger.Attach(bus)()
	}

	evaluator, err := cfg.Tools.Policy.Evaluator(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to build policy: %w", err)
	}
	rt := toolruntime.New(toolruntime.Config{
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
		Bus:       bus,
		Defaults:  cfg.Tools.Execution.InvocationOptions(),
		Evaluator: evaluator,
	})
	if err := tools.Register(rt.Registry(), tools.Config{Workspace: cfg.Tools.Workspace}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if watch {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			reloaded, err := next.Tools.Policy.Evaluator(ctx, logger)
			if err != nil {
				logger.Warn("policy reload failed, keeping previous policy", "error", err)
				return
			}
			rt.SetEvaluator(reloaded)
			logger.Info("policy reloaded", "rules", len(next.Tools.Policy.Rules))
		}, config.WatchOptions{Logger: logger, Metrics: metrics})
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer watcher.Close()
	}

	srvCfg := server.Config{
		Addr:    cfg.Server.Listen,
		Runtime: rt,
		Bus:     bus,
		Store:   store,
		Logger:  logger,
	}
	if cfg.EventStream.Enabled {
		hub := eventstream.NewHub(bus, eventstream.Config{
			BufferSize:     cfg.EventStream.BufferSize,
			AllowedOrigins: cfg.EventStream.AllowedOrigins,
			Store:          store,
			Logger:         logger,
			Metrics:        metrics,
		})
		defer hub.Close()
		srvCfg.EventStream = hub
		srvCfg.EventStreamPath = cfg.EventStream.Path
	}

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		if cfg.Observability.Metrics.Listen == cfg.Server.Listen {
			srvCfg.Metrics = promhttp.Handler()
			srvCfg.MetricsPath = cfg.Observability.Metrics.Path
		} else {
			metricsServer = startMetricsServer(cfg.Observability.Metrics, logger)
		}
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("toolgate started",
		"http_addr", srv.Addr(),
		"tools", rt.Registry().List(),
		"event_stream", cfg.EventStream.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("toolgate stopped gracefully")
	return nil
}

func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("starting metrics server", "addr", cfg.Listen, "path", cfg.Path)
	return srv
}
