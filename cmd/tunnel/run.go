package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"envelope-tunnel/internal/config"
	"envelope-tunnel/internal/observability/logging"
	"envelope-tunnel/internal/observability/metrics"
	"envelope-tunnel/internal/projects"
	"envelope-tunnel/internal/server"
	"envelope-tunnel/internal/serverutil"
	"envelope-tunnel/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

// listeners lets tests learn the bound addresses; nil channels are ignored.
type listeners struct {
	relay   chan<- net.Addr
	metrics chan<- net.Addr
}

func run(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	return runWithListeners(ctx, settings, logger, listeners{})
}

func runWithListeners(ctx context.Context, settings config.Settings, logger *slog.Logger, ready listeners) error {
	if settings.Postgres.DSN != "" {
		ids, err := loadPostgresProjects(ctx, settings.Postgres, logger)
		if err != nil {
			return err
		}
		settings.ProjectIDs = append(settings.ProjectIDs, ids...)
	}

	cfg, err := config.New(settings)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	rateLimit, err := rateLimitConfig(settings.RateLimit)
	if err != nil {
		return err
	}

	recorder := metrics.New()
	forwarder, err := tunnel.NewForwarder(tunnel.ForwarderConfig{
		Config:  cfg,
		Client:  tunnel.NewHTTPClient(),
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("create forwarder: %w", err)
	}
	relay, err := tunnel.NewHandler(tunnel.HandlerConfig{
		Config:   cfg,
		Upstream: forwarder,
		Logger:   logger,
		Metrics:  recorder,
		ClientIP: server.ClientIP,
	})
	if err != nil {
		return fmt.Errorf("create relay handler: %w", err)
	}

	metricsPath := firstNonEmpty(settings.Metrics.Path, config.DefaultMetricsPath)
	separateMetrics := !settings.Metrics.Disabled && settings.Metrics.Addr != ""
	inlineMetricsPath := ""
	if !settings.Metrics.Disabled && !separateMetrics {
		inlineMetricsPath = metricsPath
	}

	srv, err := server.New(server.Config{
		Addr:      cfg.ListenAddr(),
		RelayPath: cfg.RelayPath(),
		Relay:     relay,
		TLS: server.TLSConfig{
			CertFile: settings.TLS.CertFile,
			KeyFile:  settings.TLS.KeyFile,
		},
		RateLimit:       rateLimit,
		CORS:            server.CORSConfig{AllowedOrigins: settings.CORS.AllowedOrigins},
		Logger:          logger,
		Metrics:         recorder,
		MetricsPath:     inlineMetricsPath,
		ShutdownTimeout: shutdownTimeout,
		WriteTimeout:    cfg.UpstreamTimeout() + 10*time.Second,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("close rate limiter", "error", err)
		}
	}()

	logger.Info("relaying envelopes",
		"upstream", cfg.UpstreamBase().String(),
		"relay_path", cfg.RelayPath(),
		"projects", cfg.Projects().Len(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx, ready.relay)
	})
	if separateMetrics {
		group.Go(func() error {
			return serveMetrics(groupCtx, settings.Metrics.Addr, metricsPath, recorder, logger, ready.metrics)
		})
	}
	return group.Wait()
}

func loadPostgresProjects(ctx context.Context, pg config.PostgresSettings, logger *slog.Logger) ([]string, error) {
	timeout, err := config.ParseDuration("postgres.timeout", pg.Timeout, 0)
	if err != nil {
		return nil, err
	}
	ids, err := projects.LoadPostgres(ctx, projects.PostgresConfig{
		DSN:     pg.DSN,
		Table:   pg.Table,
		Timeout: timeout,
		Logger:  logging.WithComponent(logger, "projects"),
	})
	if err != nil {
		return nil, fmt.Errorf("load project allow-list: %w", err)
	}
	return ids, nil
}

func rateLimitConfig(s config.RateLimitSettings) (server.RateLimitConfig, error) {
	window, err := config.ParseDuration("rate_limit.client_window", s.ClientWindow, 0)
	if err != nil {
		return server.RateLimitConfig{}, err
	}
	redisTimeout, err := config.ParseDuration("rate_limit.redis_timeout", s.RedisTimeout, 0)
	if err != nil {
		return server.RateLimitConfig{}, err
	}
	return server.RateLimitConfig{
		GlobalRPS:             s.GlobalRPS,
		GlobalBurst:           s.GlobalBurst,
		ClientLimit:           s.ClientLimit,
		ClientWindow:          window,
		TrustForwardedHeaders: s.TrustForwardedHeaders,
		TrustedProxies:        s.TrustedProxies,
		RedisAddr:             s.RedisAddr,
		RedisUsername:         s.RedisUsername,
		RedisPassword:         s.RedisPassword,
		RedisTimeout:          redisTimeout,
	}, nil
}

func serveMetrics(ctx context.Context, addr, path string, recorder *metrics.Recorder, logger *slog.Logger, ready chan<- net.Addr) error {
	mux := http.NewServeMux()
	mux.Handle(path, recorder.Handler())
	return serverutil.Run(ctx, serverutil.Config{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ShutdownTimeout: shutdownTimeout,
		Ready:           ready,
		Logger:          logger,
		Name:            "metrics",
	})
}
