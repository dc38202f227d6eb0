package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"envelope-tunnel/internal/observability/logging"
	"envelope-tunnel/internal/observability/metrics"
	"envelope-tunnel/internal/testsupport/redisstub"
)

type relaySpy struct {
	mu         sync.Mutex
	calls      int
	clientIPs  []string
	requestIDs []string
}

func (s *relaySpy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	s.clientIPs = append(s.clientIPs, ClientIP(r))
	id, _ := logging.RequestIDFromContext(r.Context())
	s.requestIDs = append(s.requestIDs, id)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"id":"ok"}`))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *relaySpy) {
	t.Helper()
	spy := &relaySpy{}
	if cfg.Relay == nil {
		cfg.Relay = spy
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, spy
}

func postEnvelope(handler http.Handler, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tunnel", strings.NewReader("{}\n"))
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for name, values := range header {
		req.Header[name] = values
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresRelayHandler(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error when relay handler is nil")
	}
}

func TestNewRejectsHalfConfiguredTLS(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Relay: http.NotFoundHandler(), TLS: TLSConfig{CertFile: "cert.pem"}})
	if err == nil {
		t.Fatal("expected error when only the cert file is set")
	}
}

func TestRouterServesRelayOnConfiguredPath(t *testing.T) {
	srv, spy := newTestServer(t, Config{RelayPath: "/errors"})

	req := httptest.NewRequest(http.MethodPost, "/errors", strings.NewReader("{}\n"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if spy.calls != 1 {
		t.Fatalf("expected relay to be called once, got %d", spy.calls)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id on response")
	}
	if spy.requestIDs[0] != rec.Header().Get("X-Request-Id") {
		t.Fatalf("expected relay to see request id %q, got %q", rec.Header().Get("X-Request-Id"), spy.requestIDs[0])
	}
}

func TestRouterRejectsOtherMethodsAndPaths(t *testing.T) {
	srv, spy := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tunnel", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on relay, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/5/envelope/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
	if rec.Body.String() != "Not found" {
		t.Fatalf("unexpected 404 body %q", rec.Body.String())
	}
	if spy.calls != 0 {
		t.Fatalf("expected relay not to be called, got %d", spy.calls)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	srv, _ := newTestServer(t, Config{Relay: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})})

	rec := postEnvelope(srv.Handler(), "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rec.Code)
	}
}

func TestHealthWithoutSharedStore(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "ok" || len(payload.Components) != 0 {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestHealthReportsRedisState(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{
		ClientLimit:   5,
		ClientWindow:  time.Minute,
		RedisAddr:     stub.Addr(),
		RedisPassword: "secret",
		RedisTimeout:  500 * time.Millisecond,
	}})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy store, got %d: %s", rec.Code, rec.Body.String())
	}

	_ = stub.Close()

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once redis is gone, got %d", rec.Code)
	}
	var payload healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "degraded" || len(payload.Components) != 1 || payload.Components[0].Status != "error" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestMetricsPathIsOptional(t *testing.T) {
	recorder := metrics.New()
	srv, _ := newTestServer(t, Config{Metrics: recorder, MetricsPath: "/metrics"})

	postEnvelope(srv.Handler(), "", nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", rec.Code)
	}
	expected := `tunnel_http_requests_total{method="POST",route="/tunnel",status="200"} 1`
	if !strings.Contains(rec.Body.String(), expected) {
		t.Fatalf("expected %q in metrics output", expected)
	}

	bare, _ := newTestServer(t, Config{})
	rec = httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected metrics to be absent without a path, got %d", rec.Code)
	}
}

func TestGlobalRateLimitReturnsRetryAfter(t *testing.T) {
	srv, spy := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.5, GlobalBurst: 1}})

	if rec := postEnvelope(srv.Handler(), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := postEnvelope(srv.Handler(), "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if spy.calls != 1 {
		t.Fatalf("expected throttled request to stop before relay, got %d calls", spy.calls)
	}
}

func TestRateLimitLeavesHealthAlone(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	postEnvelope(srv.Handler(), "", nil)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected health to bypass rate limit, got %d", rec.Code)
		}
	}
}

func TestClientRateLimitUsesRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{
		ClientLimit:  1,
		ClientWindow: time.Minute,
		RedisAddr:    stub.Addr(),
		RedisTimeout: time.Second,
	}})

	if rec := postEnvelope(srv.Handler(), "198.51.100.1:1000", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := postEnvelope(srv.Handler(), "198.51.100.1:1001", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request from same client to be throttled, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := postEnvelope(srv.Handler(), "198.51.100.2:1000", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected a different client to pass, got %d", rec.Code)
	}
}

func TestClientRateLimitFailsOpenWhenRedisIsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	var logs bytes.Buffer
	srv, spy := newTestServer(t, Config{
		Logger: slog.New(slog.NewJSONHandler(&logs, nil)),
		RateLimit: RateLimitConfig{
			ClientLimit:  1,
			RedisAddr:    addr,
			RedisTimeout: 200 * time.Millisecond,
		},
	})

	if rec := postEnvelope(srv.Handler(), "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected request to pass when redis is unreachable, got %d", rec.Code)
	}
	if spy.calls != 1 {
		t.Fatalf("expected relay to run, got %d calls", spy.calls)
	}
	if !strings.Contains(logs.String(), "rate limiter failure") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
}

func TestRelaySeesResolvedClientIP(t *testing.T) {
	srv, spy := newTestServer(t, Config{RateLimit: RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}}})

	postEnvelope(srv.Handler(), "10.0.0.7:443", http.Header{"X-Forwarded-For": {"203.0.113.9, 10.0.0.7"}})
	postEnvelope(srv.Handler(), "198.51.100.4:443", http.Header{"X-Forwarded-For": {"203.0.113.9"}})

	if len(spy.clientIPs) != 2 {
		t.Fatalf("expected two relay calls, got %d", len(spy.clientIPs))
	}
	if spy.clientIPs[0] != "203.0.113.9" {
		t.Fatalf("expected forwarded client ip behind trusted proxy, got %q", spy.clientIPs[0])
	}
	if spy.clientIPs[1] != "198.51.100.4" {
		t.Fatalf("expected peer address from untrusted sender, got %q", spy.clientIPs[1])
	}
}

func TestRouterAppliesSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{HealthPath, "/missing"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assertDefaultSecurityHeaders(t, rec.Result())
	}
}
