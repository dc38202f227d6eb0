package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"envelope-tunnel/internal/config"
)

type lookupFunc func(string) (string, bool)

type flagValues struct {
	configPath      string
	upstreamURL     string
	upstreamPath    string
	projectIDs      []string
	listenAddr      string
	relayPath       string
	upstreamTimeout string
	maxBodyBytes    int64
	forwardClientIP bool
	logLevel        string
	logFormat       string
	tlsCert         string
	tlsKey          string
	globalRPS       float64
	globalBurst     int
	clientLimit     int
	clientWindow    string
	trustForwarded  bool
	trustedProxies  []string
	redisAddr       string
	redisUsername   string
	redisPassword   string
	redisTimeout    string
	corsOrigins     []string
	metricsDisabled bool
	metricsAddr     string
	metricsPath     string
	postgresDSN     string
	postgresTable   string
	postgresTimeout string
}

func bindFlags(fs *pflag.FlagSet, v *flagValues) {
	fs.StringVarP(&v.configPath, "config", "c", "", "path to a YAML, TOML or JSON settings file")
	fs.StringVar(&v.upstreamURL, "upstream-url", "", "base URL of the vendor ingestion host")
	fs.StringVar(&v.upstreamPath, "upstream-path", "", "upstream path template containing "+config.ProjectIDPlaceholder)
	fs.StringSliceVar(&v.projectIDs, "project-ids", nil, "comma separated project ids allowed through the tunnel")
	fs.StringVar(&v.listenAddr, "listen-addr", "", "HTTP listen address")
	fs.StringVar(&v.relayPath, "relay-path", "", "path that accepts envelopes")
	fs.StringVar(&v.upstreamTimeout, "upstream-timeout", "", "timeout for a single upstream request")
	fs.Int64Var(&v.maxBodyBytes, "max-body-bytes", 0, "largest accepted envelope body in bytes")
	fs.BoolVar(&v.forwardClientIP, "forward-client-ip", true, "send the caller's IP upstream as X-Forwarded-For")
	fs.StringVar(&v.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&v.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&v.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&v.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.Float64Var(&v.globalRPS, "rate-global-rps", 0, "global envelope rate limit in requests per second")
	fs.IntVar(&v.globalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	fs.IntVar(&v.clientLimit, "rate-client-limit", 0, "maximum envelopes per client IP per window")
	fs.StringVar(&v.clientWindow, "rate-client-window", "", "window for the per-client limit")
	fs.BoolVar(&v.trustForwarded, "rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	fs.StringSliceVar(&v.trustedProxies, "rate-trusted-proxies", nil, "comma separated CIDR blocks or IPs of trusted proxies")
	fs.StringVar(&v.redisAddr, "rate-redis-addr", "", "Redis address for shared per-client limits")
	fs.StringVar(&v.redisUsername, "rate-redis-username", "", "Redis username")
	fs.StringVar(&v.redisPassword, "rate-redis-password", "", "Redis password")
	fs.StringVar(&v.redisTimeout, "rate-redis-timeout", "", "timeout for Redis operations")
	fs.StringSliceVar(&v.corsOrigins, "cors-allowed-origins", nil, "comma separated origins allowed to post envelopes, or *")
	fs.BoolVar(&v.metricsDisabled, "metrics-disabled", false, "do not expose Prometheus metrics")
	fs.StringVar(&v.metricsAddr, "metrics-addr", "", "serve metrics on a separate listener")
	fs.StringVar(&v.metricsPath, "metrics-path", "", "path of the metrics endpoint")
	fs.StringVar(&v.postgresDSN, "postgres-dsn", "", "Postgres connection string for the project allow-list table")
	fs.StringVar(&v.postgresTable, "postgres-table", "", "table holding allowed project ids")
	fs.StringVar(&v.postgresTimeout, "postgres-timeout", "", "timeout for loading the allow-list")
}

// applyTo copies only the flags the user set, so unset flags never mask the
// config file or the environment.
func (v *flagValues) applyTo(fs *pflag.FlagSet, s *config.Settings) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("upstream-url", func() { s.UpstreamURL = v.upstreamURL })
	set("upstream-path", func() { s.UpstreamPath = v.upstreamPath })
	set("project-ids", func() { s.ProjectIDs = v.projectIDs })
	set("listen-addr", func() { s.ListenAddr = v.listenAddr })
	set("relay-path", func() { s.RelayPath = v.relayPath })
	set("upstream-timeout", func() { s.UpstreamTimeout = v.upstreamTimeout })
	set("max-body-bytes", func() { s.MaxBodyBytes = v.maxBodyBytes })
	set("forward-client-ip", func() {
		forward := v.forwardClientIP
		s.ForwardClientIP = &forward
	})
	set("log-level", func() { s.Log.Level = v.logLevel })
	set("log-format", func() { s.Log.Format = v.logFormat })
	set("tls-cert", func() { s.TLS.CertFile = v.tlsCert })
	set("tls-key", func() { s.TLS.KeyFile = v.tlsKey })
	set("rate-global-rps", func() { s.RateLimit.GlobalRPS = v.globalRPS })
	set("rate-global-burst", func() { s.RateLimit.GlobalBurst = v.globalBurst })
	set("rate-client-limit", func() { s.RateLimit.ClientLimit = v.clientLimit })
	set("rate-client-window", func() { s.RateLimit.ClientWindow = v.clientWindow })
	set("rate-trust-forwarded-headers", func() { s.RateLimit.TrustForwardedHeaders = v.trustForwarded })
	set("rate-trusted-proxies", func() { s.RateLimit.TrustedProxies = v.trustedProxies })
	set("rate-redis-addr", func() { s.RateLimit.RedisAddr = v.redisAddr })
	set("rate-redis-username", func() { s.RateLimit.RedisUsername = v.redisUsername })
	set("rate-redis-password", func() { s.RateLimit.RedisPassword = v.redisPassword })
	set("rate-redis-timeout", func() { s.RateLimit.RedisTimeout = v.redisTimeout })
	set("cors-allowed-origins", func() { s.CORS.AllowedOrigins = v.corsOrigins })
	set("metrics-disabled", func() { s.Metrics.Disabled = v.metricsDisabled })
	set("metrics-addr", func() { s.Metrics.Addr = v.metricsAddr })
	set("metrics-path", func() { s.Metrics.Path = v.metricsPath })
	set("postgres-dsn", func() { s.Postgres.DSN = v.postgresDSN })
	set("postgres-table", func() { s.Postgres.Table = v.postgresTable })
	set("postgres-timeout", func() { s.Postgres.Timeout = v.postgresTimeout })
}

// applyEnv overlays TUNNEL_* variables. TUNNEL_REMOTE_HOST, TUNNEL_PROJECT_IDS,
// TUNNEL_PATH, TUNNEL_IP and TUNNEL_PORT keep the names existing deployments
// already use.
func applyEnv(s *config.Settings, lookup lookupFunc) error {
	var errs error
	str := func(key string, dst *string) {
		if value := lookupValue(lookup, key); value != "" {
			*dst = value
		}
	}
	list := func(key string, dst *[]string) {
		if value := lookupValue(lookup, key); value != "" {
			*dst = splitAndTrim(value)
		}
	}
	integer := func(key string, dst *int) {
		if value := lookupValue(lookup, key); value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}
	boolean := func(key string, dst *bool) {
		if value := lookupValue(lookup, key); value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = parsed
		}
	}

	str("TUNNEL_REMOTE_HOST", &s.UpstreamURL)
	list("TUNNEL_PROJECT_IDS", &s.ProjectIDs)
	str("TUNNEL_PATH", &s.RelayPath)
	if addr := listenAddrFromEnv(lookupValue(lookup, "TUNNEL_IP"), lookupValue(lookup, "TUNNEL_PORT")); addr != "" {
		s.ListenAddr = addr
	}

	str("TUNNEL_UPSTREAM_PATH", &s.UpstreamPath)
	str("TUNNEL_UPSTREAM_TIMEOUT", &s.UpstreamTimeout)
	if value := lookupValue(lookup, "TUNNEL_MAX_BODY_BYTES"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("TUNNEL_MAX_BODY_BYTES: %w", err))
		} else {
			s.MaxBodyBytes = parsed
		}
	}
	if value := lookupValue(lookup, "TUNNEL_FORWARD_CLIENT_IP"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("TUNNEL_FORWARD_CLIENT_IP: %w", err))
		} else {
			s.ForwardClientIP = &parsed
		}
	}
	str("TUNNEL_LOG_LEVEL", &s.Log.Level)
	str("TUNNEL_LOG_FORMAT", &s.Log.Format)
	str("TUNNEL_TLS_CERT", &s.TLS.CertFile)
	str("TUNNEL_TLS_KEY", &s.TLS.KeyFile)

	if value := lookupValue(lookup, "TUNNEL_RATE_GLOBAL_RPS"); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("TUNNEL_RATE_GLOBAL_RPS: %w", err))
		} else {
			s.RateLimit.GlobalRPS = parsed
		}
	}
	integer("TUNNEL_RATE_GLOBAL_BURST", &s.RateLimit.GlobalBurst)
	integer("TUNNEL_RATE_CLIENT_LIMIT", &s.RateLimit.ClientLimit)
	str("TUNNEL_RATE_CLIENT_WINDOW", &s.RateLimit.ClientWindow)
	boolean("TUNNEL_RATE_TRUST_FORWARDED_HEADERS", &s.RateLimit.TrustForwardedHeaders)
	list("TUNNEL_RATE_TRUSTED_PROXIES", &s.RateLimit.TrustedProxies)
	str("TUNNEL_RATE_REDIS_ADDR", &s.RateLimit.RedisAddr)
	str("TUNNEL_RATE_REDIS_USERNAME", &s.RateLimit.RedisUsername)
	str("TUNNEL_RATE_REDIS_PASSWORD", &s.RateLimit.RedisPassword)
	str("TUNNEL_RATE_REDIS_TIMEOUT", &s.RateLimit.RedisTimeout)

	list("TUNNEL_CORS_ALLOWED_ORIGINS", &s.CORS.AllowedOrigins)
	boolean("TUNNEL_METRICS_DISABLED", &s.Metrics.Disabled)
	str("TUNNEL_METRICS_ADDR", &s.Metrics.Addr)
	str("TUNNEL_METRICS_PATH", &s.Metrics.Path)

	str("TUNNEL_POSTGRES_DSN", &s.Postgres.DSN)
	str("TUNNEL_POSTGRES_TABLE", &s.Postgres.Table)
	str("TUNNEL_POSTGRES_TIMEOUT", &s.Postgres.Timeout)

	return errs
}

// listenAddrFromEnv combines TUNNEL_IP and TUNNEL_PORT. Either may be given
// alone; the other falls back to all interfaces or the default port.
func listenAddrFromEnv(ip, port string) string {
	if ip == "" && port == "" {
		return ""
	}
	if port == "" {
		_, port, _ = net.SplitHostPort(config.DefaultListenAddr)
	}
	return net.JoinHostPort(ip, port)
}

func lookupValue(lookup lookupFunc, key string) string {
	if lookup == nil {
		return ""
	}
	value, ok := lookup(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
