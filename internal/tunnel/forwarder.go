package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"envelope-tunnel/internal/config"
	"envelope-tunnel/internal/observability/metrics"
)

// maxUpstreamResponseBytes bounds the upstream reply. Larger replies are
// refused rather than relayed cut short.
const maxUpstreamResponseBytes = 1 << 20

// relayedResponseHeaders are copied from the upstream reply to the caller.
// SDKs read the rate limit headers to back off.
var relayedResponseHeaders = []string{"Content-Type", "Retry-After", "X-Sentry-Rate-Limits"}

// Upstream delivers a validated envelope and returns the vendor's reply.
type Upstream interface {
	Forward(ctx context.Context, req ForwardRequest) (*Response, error)
}

// ForwardRequest is one envelope bound for a project's ingestion endpoint.
type ForwardRequest struct {
	ProjectID       string
	Body            []byte
	ContentType     string
	ContentEncoding string
	ClientIP        string
}

// Response is the upstream reply as relayed back to the caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ForwarderConfig wires a Forwarder.
type ForwarderConfig struct {
	Config    *config.Config
	Client    *http.Client
	Metrics   *metrics.Recorder
	UserAgent string
}

// Forwarder posts envelopes to the upstream vendor over HTTP.
type Forwarder struct {
	cfg       *config.Config
	client    *http.Client
	metrics   *metrics.Recorder
	userAgent string
}

// NewForwarder builds a Forwarder. A nil Client gets a pooled client that
// never follows redirects.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Config == nil {
		return nil, errors.New("forwarder requires config")
	}
	client := cfg.Client
	if client == nil {
		client = NewHTTPClient()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "envelope-tunnel"
	}
	return &Forwarder{cfg: cfg.Config, client: client, metrics: recorder, userAgent: userAgent}, nil
}

// NewHTTPClient returns the client used for upstream calls. Response bodies
// are not transparently decompressed so they can be relayed as received.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Forward posts req.Body unchanged to the project's upstream URL. The call is
// bounded by the configured upstream timeout and by ctx, so it stops when the
// inbound request goes away.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.UpstreamTimeout())
	defer cancel()

	target := f.cfg.UpstreamURL(req.ProjectID)
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, newError(UpstreamUnavailable, fmt.Errorf("build upstream request: %w", err))
	}
	if req.ContentType != "" {
		upstreamReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ContentEncoding != "" {
		upstreamReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if req.ClientIP != "" && f.cfg.ForwardClientIP() {
		upstreamReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}
	upstreamReq.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	f.metrics.UpstreamStarted()
	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		kind := classifyTransportError(ctx, err)
		f.metrics.UpstreamFinished(kind.String(), time.Since(start))
		return nil, newError(kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes+1))
	if err != nil {
		kind := classifyTransportError(ctx, err)
		f.metrics.UpstreamFinished(kind.String(), time.Since(start))
		return nil, newError(kind, fmt.Errorf("read upstream response: %w", err))
	}
	if len(body) > maxUpstreamResponseBytes {
		f.metrics.UpstreamFinished(UpstreamUnavailable.String(), time.Since(start))
		return nil, newError(UpstreamUnavailable, fmt.Errorf("upstream response exceeds %d bytes", maxUpstreamResponseBytes))
	}
	f.metrics.UpstreamFinished(strconv.Itoa(resp.StatusCode), time.Since(start))

	header := make(http.Header, len(relayedResponseHeaders))
	for _, name := range relayedResponseHeaders {
		if values := resp.Header.Values(name); len(values) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return &Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

func classifyTransportError(ctx context.Context, err error) ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return UpstreamTimeout
	}
	return UpstreamUnavailable
}
