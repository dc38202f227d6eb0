package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// ProjectIDPlaceholder marks where the project identifier is substituted in
	// the upstream path template.
	ProjectIDPlaceholder = "{project_id}"

	DefaultUpstreamPath    = "/api/" + ProjectIDPlaceholder + "/envelope/"
	DefaultListenAddr      = ":7878"
	DefaultRelayPath       = "/tunnel"
	DefaultUpstreamTimeout = 5 * time.Second
	DefaultMaxBodyBytes    = 20 << 20
	DefaultMetricsPath     = "/metrics"
	DefaultProjectsTable   = "tunnel_projects"
)

// Settings is the loadable, mutable shape of the tunnel configuration. Files,
// environment variables and flags all write into a Settings value which New
// then validates into an immutable Config.
type Settings struct {
	UpstreamURL     string   `yaml:"upstream_url" toml:"upstream_url" json:"upstream_url"`
	UpstreamPath    string   `yaml:"upstream_path" toml:"upstream_path" json:"upstream_path"`
	ProjectIDs      []string `yaml:"project_ids" toml:"project_ids" json:"project_ids"`
	ListenAddr      string   `yaml:"listen_addr" toml:"listen_addr" json:"listen_addr"`
	RelayPath       string   `yaml:"relay_path" toml:"relay_path" json:"relay_path"`
	UpstreamTimeout string   `yaml:"upstream_timeout" toml:"upstream_timeout" json:"upstream_timeout"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" toml:"max_body_bytes" json:"max_body_bytes"`
	ForwardClientIP *bool    `yaml:"forward_client_ip,omitempty" toml:"forward_client_ip,omitempty" json:"forward_client_ip,omitempty"`

	Log       LogSettings       `yaml:"log" toml:"log" json:"log"`
	TLS       TLSSettings       `yaml:"tls" toml:"tls" json:"tls"`
	RateLimit RateLimitSettings `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	CORS      CORSSettings      `yaml:"cors" toml:"cors" json:"cors"`
	Metrics   MetricsSettings   `yaml:"metrics" toml:"metrics" json:"metrics"`
	Postgres  PostgresSettings  `yaml:"postgres" toml:"postgres" json:"postgres"`
}

type LogSettings struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

type TLSSettings struct {
	CertFile string `yaml:"cert_file" toml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file" json:"key_file"`
}

// RateLimitSettings configures throttling of the relay path. A zero value
// disables every limit.
type RateLimitSettings struct {
	GlobalRPS             float64  `yaml:"global_rps" toml:"global_rps" json:"global_rps"`
	GlobalBurst           int      `yaml:"global_burst" toml:"global_burst" json:"global_burst"`
	ClientLimit           int      `yaml:"client_limit" toml:"client_limit" json:"client_limit"`
	ClientWindow          string   `yaml:"client_window" toml:"client_window" json:"client_window"`
	TrustForwardedHeaders bool     `yaml:"trust_forwarded_headers" toml:"trust_forwarded_headers" json:"trust_forwarded_headers"`
	TrustedProxies        []string `yaml:"trusted_proxies" toml:"trusted_proxies" json:"trusted_proxies"`
	RedisAddr             string   `yaml:"redis_addr" toml:"redis_addr" json:"redis_addr"`
	RedisUsername         string   `yaml:"redis_username" toml:"redis_username" json:"redis_username"`
	RedisPassword         string   `yaml:"redis_password" toml:"redis_password" json:"redis_password"`
	RedisTimeout          string   `yaml:"redis_timeout" toml:"redis_timeout" json:"redis_timeout"`
}

type CORSSettings struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins" json:"allowed_origins"`
}

type MetricsSettings struct {
	Disabled bool   `yaml:"disabled" toml:"disabled" json:"disabled"`
	Addr     string `yaml:"addr" toml:"addr" json:"addr"`
	Path     string `yaml:"path" toml:"path" json:"path"`
}

// PostgresSettings points at an optional table of allowed project ids that is
// read once at startup.
type PostgresSettings struct {
	DSN     string `yaml:"dsn" toml:"dsn" json:"dsn"`
	Table   string `yaml:"table" toml:"table" json:"table"`
	Timeout string `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// Default returns Settings populated with the documented defaults.
func Default() Settings {
	forward := true
	return Settings{
		UpstreamPath:    DefaultUpstreamPath,
		ListenAddr:      DefaultListenAddr,
		RelayPath:       DefaultRelayPath,
		UpstreamTimeout: DefaultUpstreamTimeout.String(),
		MaxBodyBytes:    DefaultMaxBodyBytes,
		ForwardClientIP: &forward,
		Log:             LogSettings{Level: "info", Format: "json"},
		Metrics:         MetricsSettings{Path: DefaultMetricsPath},
		Postgres:        PostgresSettings{Table: DefaultProjectsTable},
	}
}

// Redacted returns a copy with credentials masked, suitable for printing.
func (s Settings) Redacted() Settings {
	out := s
	out.ProjectIDs = append([]string(nil), s.ProjectIDs...)
	if out.RateLimit.RedisPassword != "" {
		out.RateLimit.RedisPassword = "********"
	}
	if out.Postgres.DSN != "" {
		out.Postgres.DSN = "********"
	}
	return out
}

// ParseDuration parses a duration setting, returning fallback for blank values.
func ParseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", name)
	}
	return d, nil
}
