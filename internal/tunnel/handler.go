package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"envelope-tunnel/internal/config"
	"envelope-tunnel/internal/observability/logging"
	"envelope-tunnel/internal/observability/metrics"
)

const outcomeForwarded = "forwarded"

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Config   *config.Config
	Upstream Upstream
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// ClientIP resolves the caller's address. Defaults to the host part of
	// RemoteAddr.
	ClientIP func(*http.Request) string
}

// Handler is the relay endpoint. Each request is handled independently; the
// only shared state is the read-only config and the upstream client.
type Handler struct {
	cfg      *config.Config
	upstream Upstream
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clientIP func(*http.Request) string
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Config == nil {
		return nil, errors.New("handler requires config")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("handler requires an upstream")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clientIP := cfg.ClientIP
	if clientIP == nil {
		clientIP = remoteHost
	}
	return &Handler{
		cfg:      cfg.Config,
		upstream: cfg.Upstream,
		logger:   logging.WithComponent(logger, "relay"),
		metrics:  recorder,
		clientIP: clientIP,
	}, nil
}

// Request is the transport-independent view of an inbound envelope.
type Request struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	ClientIP        string
}

// Outcome is the result of relaying one envelope: the upstream reply when it
// was forwarded, or the error that stopped it.
type Outcome struct {
	Response *Response
	Err      *Error
	DSN      DSN
	SDK      string
}

// Forwarded reports whether the envelope reached upstream.
func (o Outcome) Forwarded() bool {
	return o.Err == nil && o.Response != nil
}

// Label is the metrics and log label for the outcome.
func (o Outcome) Label() string {
	if o.Err != nil {
		return o.Err.Kind.String()
	}
	return outcomeForwarded
}

// Write renders the outcome. Forwarded replies carry the upstream status and
// body unchanged; failures carry the kind's fixed message.
func (o Outcome) Write(w http.ResponseWriter) {
	if o.Err != nil {
		writeError(w, o.Err.Kind)
		return
	}
	for name, values := range o.Response.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(o.Response.Status)
	_, _ = w.Write(o.Response.Body)
}

// Relay validates req and forwards it upstream. Validation failures never
// contact upstream. The forwarded body is req.Body as received, including
// any content encoding.
func (h *Handler) Relay(ctx context.Context, req Request) Outcome {
	decoded, err := DecodeBody(req.ContentEncoding, req.Body, h.cfg.MaxBodyBytes())
	if err != nil {
		return failed(Outcome{}, err)
	}

	envelope, err := ParseEnvelope(decoded)
	if err != nil {
		return failed(Outcome{}, err)
	}
	outcome := Outcome{SDK: envelope.Header.SDKName()}

	dsn, err := ValidateProject(envelope.Header, h.cfg.Projects())
	outcome.DSN = dsn
	if err != nil {
		return failed(outcome, err)
	}

	resp, err := h.upstream.Forward(ctx, ForwardRequest{
		ProjectID:       dsn.ProjectID,
		Body:            req.Body,
		ContentType:     req.ContentType,
		ContentEncoding: req.ContentEncoding,
		ClientIP:        req.ClientIP,
	})
	if err != nil {
		return failed(outcome, err)
	}
	outcome.Response = resp
	return outcome
}

func failed(outcome Outcome, err error) Outcome {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		relayErr = newError(UpstreamUnavailable, err)
	}
	outcome.Err = relayErr
	return outcome
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var outcome Outcome
	body, err := h.readBody(w, r)
	if err != nil {
		outcome = failed(Outcome{}, err)
	} else {
		outcome = h.Relay(r.Context(), Request{
			Body:            body,
			ContentType:     r.Header.Get("Content-Type"),
			ContentEncoding: r.Header.Get("Content-Encoding"),
			ClientIP:        h.clientIP(r),
		})
	}

	h.metrics.ObserveEnvelope(outcome.Label())
	h.log(r.Context(), outcome)
	outcome.Write(w)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := h.cfg.MaxBodyBytes()
	if r.ContentLength > limit {
		return nil, newError(PayloadTooLarge, fmt.Errorf("declared length %d exceeds %d", r.ContentLength, limit))
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newError(PayloadTooLarge, err)
		}
		return nil, newError(MalformedBody, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func (h *Handler) log(ctx context.Context, outcome Outcome) {
	if outcome.DSN.ProjectID != "" {
		ctx = logging.ContextWithProjectID(ctx, outcome.DSN.ProjectID)
	}
	logger := logging.WithContext(ctx, h.logger)
	attrs := []any{"outcome", outcome.Label()}
	if fingerprint := outcome.DSN.KeyFingerprint(); fingerprint != "" {
		attrs = append(attrs, "dsn_key", fingerprint)
	}
	if outcome.SDK != "" {
		attrs = append(attrs, "sdk", outcome.SDK)
	}

	switch {
	case outcome.Forwarded():
		attrs = append(attrs, "upstream_status", outcome.Response.Status)
		logger.Debug("envelope forwarded", attrs...)
	case outcome.Err.Kind.ClientError():
		attrs = append(attrs, "error", outcome.Err)
		logger.Warn("envelope rejected", attrs...)
	default:
		attrs = append(attrs, "error", outcome.Err)
		logger.Error("upstream request failed", attrs...)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
