package upstreamstub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake vendor replies.
type Options struct {
	// Status is returned for every accepted envelope. Defaults to 200.
	Status int

	// Body is written back verbatim. Defaults to an empty JSON object.
	Body string

	// Header is copied onto every reply.
	Header http.Header

	// Delay holds each reply for the given duration or until the caller
	// gives up, whichever comes first.
	Delay time.Duration
}

// Envelope is one request received by the stub.
type Envelope struct {
	ProjectID string
	Path      string
	Header    http.Header
	Body      []byte
	Attempt   int
}

// Vendor hosts a single httptest.Server that accepts POST /api/{id}/envelope/.
type Vendor struct {
	server *httptest.Server
	opts   Options

	mu        sync.Mutex
	envelopes []Envelope
}

// Start spins up a new vendor stub using the provided options.
func Start(opts Options) *Vendor {
	if opts.Status == 0 {
		opts.Status = http.StatusOK
	}
	if opts.Body == "" {
		opts.Body = "{}"
	}
	v := &Vendor{opts: opts}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	return v
}

// Close shuts down the underlying HTTP server.
func (v *Vendor) Close() {
	if v.server != nil {
		v.server.Close()
	}
}

// URL returns the base URL to configure as the tunnel's upstream.
func (v *Vendor) URL() string {
	return v.server.URL
}

// Envelopes returns a copy of the recorded envelopes in arrival order.
func (v *Vendor) Envelopes() []Envelope {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Envelope, len(v.envelopes))
	copy(out, v.envelopes)
	return out
}

func (v *Vendor) handle(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectFromPath(r.URL.Path)
	if r.Method != http.MethodPost || !ok {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	v.mu.Lock()
	attempt := len(v.envelopes) + 1
	v.envelopes = append(v.envelopes, Envelope{
		ProjectID: projectID,
		Path:      r.URL.Path,
		Header:    r.Header.Clone(),
		Body:      body,
		Attempt:   attempt,
	})
	v.mu.Unlock()

	if v.opts.Delay > 0 {
		timer := time.NewTimer(v.opts.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}

	for name, values := range v.opts.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(v.opts.Status)
	_, _ = io.WriteString(w, v.opts.Body)
}

// projectFromPath extracts the id from /api/{id}/envelope/.
func projectFromPath(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/api/")
	if trimmed == path {
		return "", false
	}
	projectID, rest, found := strings.Cut(trimmed, "/")
	if !found || projectID == "" || strings.TrimSuffix(rest, "/") != "envelope" {
		return "", false
	}
	return projectID, true
}
