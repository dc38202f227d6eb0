package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func validSettings() Settings {
	s := Default()
	s.UpstreamURL = "https://sentry.example.com/"
	s.ProjectIDs = []string{"5"}
	return s
}

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New(validSettings())
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr())
	assert.Equal(t, DefaultRelayPath, cfg.RelayPath())
	assert.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout())
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.MaxBodyBytes())
	assert.True(t, cfg.ForwardClientIP())
	assert.Equal(t, []string{"5"}, cfg.Projects().IDs())
}

func TestNewReportsEveryProblem(t *testing.T) {
	s := Settings{
		UpstreamURL:     "ftp://sentry.example.com",
		UpstreamPath:    "/api/envelope/",
		RelayPath:       "tunnel",
		UpstreamTimeout: "soon",
		MaxBodyBytes:    -1,
		Log:             LogSettings{Level: "verbose", Format: "logfmt"},
	}

	_, err := New(s)
	require.Error(t, err)

	errs := multierr.Errors(err)
	assert.Len(t, errs, 8)
	for _, want := range []string{"upstream_url", "upstream_path", "project_ids", "relay_path", "upstream_timeout", "max_body_bytes", "log.level", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewRejectsZeroTimeout(t *testing.T) {
	s := validSettings()
	s.UpstreamTimeout = "0s"

	_, err := New(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "greater than zero")
}

func TestNewHonoursForwardClientIPOverride(t *testing.T) {
	s := validSettings()
	off := false
	s.ForwardClientIP = &off

	cfg, err := New(s)
	require.NoError(t, err)
	assert.False(t, cfg.ForwardClientIP())
}

func TestProjectSetIsExactMatch(t *testing.T) {
	set := NewProjectSet(" 5 ", "", "abc")

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains("5"))
	assert.True(t, set.Contains("abc"))
	assert.False(t, set.Contains("ABC"))
	assert.False(t, set.Contains("55"))
	assert.False(t, set.Contains(""))
	assert.False(t, set.Contains(" 5 "))
}

func TestUpstreamURLJoinsBaseAndTemplate(t *testing.T) {
	cases := []struct {
		name     string
		base     string
		template string
		project  string
		want     string
	}{
		{"root with slash", "https://sentry.example.com/", "", "5", "https://sentry.example.com/api/5/envelope/"},
		{"root without slash", "https://sentry.example.com", "", "5", "https://sentry.example.com/api/5/envelope/"},
		{"base path", "https://relay.internal/sentry", "", "42", "https://relay.internal/sentry/api/42/envelope/"},
		{"custom template", "http://localhost:9000", "ingest/" + ProjectIDPlaceholder, "7", "http://localhost:9000/ingest/7"},
		{"escaped id", "https://sentry.example.com", "", "a b", "https://sentry.example.com/api/a%20b/envelope/"},
		{"slash in id", "https://sentry.example.com", "", "a/b", "https://sentry.example.com/api/a%2Fb/envelope/"},
		{"escaped base path", "https://relay.internal/my%20sentry", "", "5", "https://relay.internal/my%20sentry/api/5/envelope/"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSettings()
			s.UpstreamURL = tc.base
			s.UpstreamPath = tc.template
			cfg, err := New(s)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.UpstreamURL(tc.project).String())
		})
	}
}

func TestUpstreamBaseReturnsCopy(t *testing.T) {
	cfg, err := New(validSettings())
	require.NoError(t, err)

	base := cfg.UpstreamBase()
	base.Host = "evil.example.com"

	assert.Equal(t, "sentry.example.com", cfg.UpstreamBase().Host)
	assert.Equal(t, "sentry.example.com", cfg.UpstreamURL("5").Host)
}

func TestLoadFileFormats(t *testing.T) {
	files := map[string]string{
		"tunnel.yaml": `
upstream_url: https://sentry.example.com
project_ids: ["5", "6"]
relay_path: /bugs
upstream_timeout: 2s
rate_limit:
  client_limit: 10
`,
		"tunnel.toml": `
upstream_url = "https://sentry.example.com"
project_ids = ["5", "6"]
relay_path = "/bugs"
upstream_timeout = "2s"

[rate_limit]
client_limit = 10
`,
		"tunnel.json": `{
  // comments are fine
  "upstream_url": "https://sentry.example.com",
  "project_ids": ["5", "6"],
  "relay_path": "/bugs",
  "upstream_timeout": "2s",
  "rate_limit": {"client_limit": 10},
}`,
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			settings, err := LoadFile(path)
			require.NoError(t, err)

			assert.Equal(t, "https://sentry.example.com", settings.UpstreamURL)
			assert.Equal(t, []string{"5", "6"}, settings.ProjectIDs)
			assert.Equal(t, 10, settings.RateLimit.ClientLimit)
			assert.Equal(t, DefaultListenAddr, settings.ListenAddr, "defaults survive decoding")

			cfg, err := New(settings)
			require.NoError(t, err)
			assert.Equal(t, "/bugs", cfg.RelayPath())
			assert.Equal(t, 2*time.Second, cfg.UpstreamTimeout())
		})
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	for name, body := range map[string]string{
		"bad.yaml": "upstream_urll: https://x\n",
		"bad.toml": "upstream_urll = \"https://x\"\n",
		"bad.json": `{"upstream_urll": "https://x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadFile(path)
			require.Error(t, err)
		})
	}
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported config format"))
}

func TestRedactedMasksCredentials(t *testing.T) {
	s := validSettings()
	s.RateLimit.RedisPassword = "hunter2"
	s.Postgres.DSN = "postgres://user:pw@db/tunnel"

	redacted := s.Redacted()
	assert.NotContains(t, redacted.RateLimit.RedisPassword, "hunter2")
	assert.NotContains(t, redacted.Postgres.DSN, "pw")
	assert.Equal(t, "hunter2", s.RateLimit.RedisPassword)
}
