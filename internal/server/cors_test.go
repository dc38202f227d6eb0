package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSMiddlewareAllowsConfiguredOrigins(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/tunnel", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	req.Host = "tunnel.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://APP.example.com" {
		t.Fatalf("unexpected allow origin header: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Retry-After") {
		t.Fatalf("expected Retry-After to be exposed, got %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}
}

func TestCORSMiddlewareBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/tunnel", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Host = "tunnel.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, quietLogger(), next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected blocked origin to stop the chain")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "Origin not allowed" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestCORSMiddlewareAllowsSameOriginAndWildcard(t *testing.T) {
	same, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	if !same.allows("http://tunnel.example.com", "http://tunnel.example.com") {
		t.Fatal("expected same-origin request to be allowed")
	}
	if same.allows("http://other.example.com", "http://tunnel.example.com") {
		t.Fatal("expected cross-origin request to be rejected without configuration")
	}

	wildcard, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"*"}})
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	if !wildcard.allows("https://anywhere.example.org", "") {
		t.Fatal("expected wildcard to admit any origin")
	}
	if wildcard.allows("null", "") {
		t.Fatal("expected opaque origin to be rejected")
	}
}

func TestNewCORSPolicyRejectsMalformedOrigin(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"app.example.com"}}); err == nil {
		t.Fatal("expected origin without scheme to be rejected")
	}
}

func TestRouterAnswersPreflight(t *testing.T) {
	srv, spy := newTestServer(t, Config{
		CORS:      CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodOptions, "/tunnel", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("preflight %d: expected 204, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != corsAllowMethods {
			t.Fatalf("unexpected allow methods %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); got != corsAllowHeaders {
			t.Fatalf("unexpected allow headers %q", got)
		}
		if got := rec.Header().Get("Access-Control-Max-Age"); got != corsMaxAge {
			t.Fatalf("unexpected max age %q", got)
		}
	}
	if spy.calls != 0 {
		t.Fatalf("expected preflight to skip the relay, got %d calls", spy.calls)
	}
}
