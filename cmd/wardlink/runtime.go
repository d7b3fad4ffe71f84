package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/haasonsaas/wardlink/internal/config"
	"github.com/haasonsaas/wardlink/internal/observability"
)

// commonOptions are the flags every command that loads config shares.
type commonOptions struct {
	ConfigPath string
	Debug      bool
	LogFormat  string
}

// runtimeEnv holds the ambient stack built from config.
type runtimeEnv struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	registry *prometheus.Registry

	closers []func(context.Context) error
}

// setupRuntime loads config and builds logging, metrics and tracing.
// serveMetrics starts a /metrics listener on metrics.addr when it is set.
func setupRuntime(opts commonOptions, serveMetrics bool) (*runtimeEnv, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if opts.Debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         resolveLogFormat(opts.LogFormat, cfg.Logging.Format, term.IsTerminal(int(os.Stderr.Fd()))),
		Output:         os.Stderr,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	slog.SetDefault(logger)

	env := &runtimeEnv{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		env.registry = prometheus.NewRegistry()
		env.metrics = observability.NewMetrics(env.registry, cfg.Metrics.Namespace)
		if serveMetrics && cfg.Metrics.Addr != "" {
			env.serveMetrics(cfg.Metrics.Addr)
		}
	}

	if cfg.Tracing.Enabled {
		serviceVersion := cfg.Tracing.ServiceVersion
		if serviceVersion == "" {
			serviceVersion = version
		}
		tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: serviceVersion,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing exporter unavailable", "endpoint", cfg.Tracing.Endpoint, "error", err)
		}
		env.tracer = tracer
		env.closers = append(env.closers, shutdown)
	}

	return env, nil
}

func (e *runtimeEnv) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Warn("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	e.logger.Info("serving metrics", "addr", addr)
	e.closers = append(e.closers, srv.Shutdown)
}

// Close flushes tracing and stops the metrics listener.
func (e *runtimeEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			e.logger.Debug("shutdown step failed", "error", err)
		}
	}
}

// resolveLogFormat prefers the flag, then text for interactive terminals,
// then the configured format.
func resolveLogFormat(flag, configured string, interactive bool) string {
	if f := strings.ToLower(strings.TrimSpace(flag)); f != "" {
		return f
	}
	if interactive {
		return "text"
	}
	return configured
}
