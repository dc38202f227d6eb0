package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"envelope-tunnel/internal/observability/logging"
	"envelope-tunnel/internal/observability/metrics"
	"envelope-tunnel/internal/serverutil"
)

const (
	HealthPath         = "/healthz"
	defaultRelayPath   = "/tunnel"
	healthCheckTimeout = 2 * time.Second
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	RelayPath string
	// Relay handles POSTs to RelayPath.
	Relay     http.Handler
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// MetricsPath mounts the Prometheus handler on this router. Leave empty
	// when metrics are served from a separate listener.
	MetricsPath     string
	ShutdownTimeout time.Duration
	// WriteTimeout must exceed the upstream timeout so relayed replies are
	// not cut off.
	WriteTimeout time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("relay handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	relayPath := strings.TrimSpace(cfg.RelayPath)
	if relayPath == "" {
		relayPath = defaultRelayPath
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) })
	router.Use(clientIPMiddleware(resolver))
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{HealthPath, cfg.MetricsPath},
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"client_ip", ClientIP(r)}
		},
	}))
	router.Use(metrics.HTTPMiddleware(recorder))
	router.Use(func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) })

	router.Get(HealthPath, srv.health)
	if cfg.MetricsPath != "" {
		router.Handle(cfg.MetricsPath, recorder.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return corsMiddleware(policy, logger, next) })
		r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(rl, resolver, logger, recorder, next) })
		r.Post(relayPath, cfg.Relay.ServeHTTP)
		r.Options(relayPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Allow", corsAllowMethods)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if srv.tls.Enabled() {
		srv.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		Logger:          s.logger,
		Name:            "relay",
	})
}

// Close releases the rate limiter's shared store.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

type healthComponent struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []healthComponent `json:"components,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	if s.rateLimiter.usesStore() {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		component := healthComponent{Component: "rate_limit_store", Status: "ok"}
		if err := s.rateLimiter.Ping(ctx); err != nil {
			component.Status = "error"
			component.Error = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, component)
	}

	writeJSON(w, status, resp)
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if allowed, retryAfter := rl.AllowRequest(); !allowed {
			if recorder != nil {
				recorder.ObserveRateLimited("global")
			}
			tooManyRequests(w, retryAfter)
			return
		}

		ip, _ := resolveClientIP(r, resolver)
		allowed, retryAfter, err := rl.AllowClient(r.Context(), ip)
		if err != nil {
			// Fail open when the shared store is unreachable.
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Error("rate limiter failure", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if recorder != nil {
				recorder.ObserveRateLimited("client")
			}
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Debug("client rate limited", "retry_after", retryAfter.String())
			}
			tooManyRequests(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeMiddlewareError(w, http.StatusTooManyRequests, fmt.Sprintf("Rate limit exceeded, retry in %ds", seconds))
}
