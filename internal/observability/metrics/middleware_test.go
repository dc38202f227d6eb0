package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	recorder := New()
	router := chi.NewRouter()
	router.Use(HTTPMiddleware(recorder))
	router.Get("/projects/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/projects/abc", nil))

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/projects/{id}", "418"))
	if got != 1 {
		t.Fatalf("expected one request for route pattern, got %v", got)
	}
}

func TestHTTPMiddlewareFallsBackToNormalizedPath(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/widgets/abc123/", nil))

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("POST", "/widgets/:id", "404"))
	if got != 1 {
		t.Fatalf("expected normalized path label, got %v", got)
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rr.WriteHeader(http.StatusInternalServerError)

	if rr.Status() != http.StatusOK {
		t.Fatalf("expected implicit 200 to stick, got %d", rr.Status())
	}
	if rr.BytesWritten() != 5 {
		t.Fatalf("expected 5 bytes, got %d", rr.BytesWritten())
	}
}

func TestRecorderCounters(t *testing.T) {
	recorder := New()

	recorder.ObserveEnvelope("forwarded")
	recorder.ObserveEnvelope(" Forwarded ")
	recorder.ObserveEnvelope("")
	recorder.ObserveRateLimited("client")

	recorder.UpstreamStarted()
	if got := testutil.ToFloat64(recorder.upstreamInflight); got != 1 {
		t.Fatalf("expected one inflight request, got %v", got)
	}
	recorder.UpstreamFinished("200", 30*time.Millisecond)

	if got := testutil.ToFloat64(recorder.envelopes.WithLabelValues("forwarded")); got != 2 {
		t.Fatalf("expected 2 forwarded envelopes, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.envelopes.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected blank outcome to be labelled unknown, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.upstreamInflight); got != 0 {
		t.Fatalf("expected inflight gauge back at zero, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.upstreamRequests.WithLabelValues("200")); got != 1 {
		t.Fatalf("expected one upstream 200, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.rateLimited.WithLabelValues("client")); got != 1 {
		t.Fatalf("expected one client rate limit, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	recorder := New()
	recorder.ObserveEnvelope("invalid_project_id")

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	expected := `tunnel_envelopes_total{outcome="invalid_project_id"} 1`
	if !strings.Contains(rr.Body.String(), expected) {
		t.Fatalf("expected exposition to contain %q, got %q", expected, rr.Body.String())
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/":                  "/",
		"/tunnel":            "/tunnel",
		"/users/123":         "/users/:id",
		"/users/{id}/":       "/users/{id}",
		"api/abcdefghijklmn": "/api/:id",
	}
	for input, expected := range cases {
		if got := normalizePath(input); got != expected {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, expected)
		}
	}
}
