// Package config holds the tunnel's process-wide settings.
//
// Settings values are assembled from files, the environment and flags at
// startup. New validates them into a Config, which has no exported fields and
// no mutators: every request handler shares the same *Config and reads it
// without locking.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	"envelope-tunnel/internal/observability/logging"
)

// ProjectSet is an immutable set of allowed project identifiers. Membership is
// an exact, case-sensitive string comparison.
type ProjectSet struct {
	ids map[string]struct{}
}

// NewProjectSet builds a set from ids, dropping surrounding whitespace and
// blank entries.
func NewProjectSet(ids ...string) ProjectSet {
	set := ProjectSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		set.ids[trimmed] = struct{}{}
	}
	return set
}

// Contains reports whether id is an allowed project.
func (p ProjectSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := p.ids[id]
	return ok
}

// Len returns the number of allowed projects.
func (p ProjectSet) Len() int {
	return len(p.ids)
}

// IDs returns the allowed ids in sorted order.
func (p ProjectSet) IDs() []string {
	out := make([]string, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Config is the validated, read-only tunnel configuration.
type Config struct {
	upstreamBase    *url.URL
	upstreamPath    string
	projects        ProjectSet
	listenAddr      string
	relayPath       string
	upstreamTimeout time.Duration
	maxBodyBytes    int64
	forwardClientIP bool
}

// New validates s and returns the immutable Config. Every problem found is
// reported in the returned error, not just the first.
func New(s Settings) (*Config, error) {
	var errs error

	base, err := parseUpstream(s.UpstreamURL)
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	upstreamPath := strings.TrimSpace(s.UpstreamPath)
	if upstreamPath == "" {
		upstreamPath = DefaultUpstreamPath
	}
	if !strings.Contains(upstreamPath, ProjectIDPlaceholder) {
		errs = multierr.Append(errs, fmt.Errorf("upstream_path %q must contain %s", upstreamPath, ProjectIDPlaceholder))
	}

	projects := NewProjectSet(s.ProjectIDs...)
	if projects.Len() == 0 {
		errs = multierr.Append(errs, errors.New("project_ids: at least one project id is required"))
	}

	relayPath := strings.TrimSpace(s.RelayPath)
	if relayPath == "" {
		relayPath = DefaultRelayPath
	}
	if !strings.HasPrefix(relayPath, "/") {
		errs = multierr.Append(errs, fmt.Errorf("relay_path %q must start with /", relayPath))
	}

	listenAddr := strings.TrimSpace(s.ListenAddr)
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	timeout, err := ParseDuration("upstream_timeout", s.UpstreamTimeout, DefaultUpstreamTimeout)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if timeout == 0 {
		errs = multierr.Append(errs, errors.New("upstream_timeout: must be greater than zero"))
	}

	maxBody := s.MaxBodyBytes
	switch {
	case maxBody == 0:
		maxBody = DefaultMaxBodyBytes
	case maxBody < 0:
		errs = multierr.Append(errs, errors.New("max_body_bytes: must not be negative"))
	}

	if !logging.ValidLevel(s.Log.Level) {
		errs = multierr.Append(errs, fmt.Errorf("log.level %q: must be debug, info, warn or error", s.Log.Level))
	}
	if !logging.ValidFormat(s.Log.Format) {
		errs = multierr.Append(errs, fmt.Errorf("log.format %q: must be json or text", s.Log.Format))
	}

	forward := true
	if s.ForwardClientIP != nil {
		forward = *s.ForwardClientIP
	}

	if errs != nil {
		return nil, errs
	}

	return &Config{
		upstreamBase:    base,
		upstreamPath:    upstreamPath,
		projects:        projects,
		listenAddr:      listenAddr,
		relayPath:       relayPath,
		upstreamTimeout: timeout,
		maxBodyBytes:    maxBody,
		forwardClientIP: forward,
	}, nil
}

func parseUpstream(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("upstream_url: required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("upstream_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream_url: scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("upstream_url: host is required")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

// UpstreamBase returns a copy of the upstream base URL.
func (c *Config) UpstreamBase() *url.URL {
	u := *c.upstreamBase
	return &u
}

// UpstreamURL builds the ingestion URL for projectID by substituting it into
// the path template and appending the result to the base URL's path.
func (c *Config) UpstreamURL(projectID string) *url.URL {
	target := *c.upstreamBase
	suffix := strings.ReplaceAll(c.upstreamPath, ProjectIDPlaceholder, projectID)
	rawSuffix := strings.ReplaceAll(c.upstreamPath, ProjectIDPlaceholder, url.PathEscape(projectID))
	target.Path = joinPath(c.upstreamBase.Path, suffix)
	target.RawPath = joinPath(c.upstreamBase.EscapedPath(), rawSuffix)
	return &target
}

func joinPath(base, suffix string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}

// Projects returns the allowed project set.
func (c *Config) Projects() ProjectSet { return c.projects }

func (c *Config) ListenAddr() string { return c.listenAddr }

func (c *Config) RelayPath() string { return c.relayPath }

func (c *Config) UpstreamTimeout() time.Duration { return c.upstreamTimeout }

func (c *Config) MaxBodyBytes() int64 { return c.maxBodyBytes }

func (c *Config) ForwardClientIP() bool { return c.forwardClientIP }
