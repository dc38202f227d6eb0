package tunnel

import (
	"errors"
	"net/http"
)

// ErrorKind enumerates every way a relay request can fail. Each kind has a
// fixed client-visible message and HTTP status; callers and tests match on
// the message text, so it must not change.
type ErrorKind int

const (
	MalformedBody ErrorKind = iota + 1
	MissingDSN
	MalformedDSN
	InvalidProjectID
	PayloadTooLarge
	UnsupportedEncoding
	UpstreamUnavailable
	UpstreamTimeout
)

var kindDetails = map[ErrorKind]struct {
	label   string
	message string
	status  int
}{
	MalformedBody:       {"malformed_body", "Malformed envelope body", http.StatusBadRequest},
	MissingDSN:          {"missing_dsn", "Missing DSN key in envelope header", http.StatusBadRequest},
	MalformedDSN:        {"malformed_dsn", "Malformed DSN in envelope header", http.StatusBadRequest},
	InvalidProjectID:    {"invalid_project_id", "Invalid project ID", http.StatusBadRequest},
	PayloadTooLarge:     {"payload_too_large", "Envelope body too large", http.StatusRequestEntityTooLarge},
	UnsupportedEncoding: {"unsupported_encoding", "Unsupported content encoding", http.StatusUnsupportedMediaType},
	UpstreamUnavailable: {"upstream_unavailable", "Upstream unavailable", http.StatusBadGateway},
	UpstreamTimeout:     {"upstream_timeout", "Upstream timed out", http.StatusServiceUnavailable},
}

// Message returns the fixed response body for the kind.
func (k ErrorKind) Message() string {
	if d, ok := kindDetails[k]; ok {
		return d.message
	}
	return "Internal error"
}

// Status returns the HTTP status code reported to the caller.
func (k ErrorKind) Status() int {
	if d, ok := kindDetails[k]; ok {
		return d.status
	}
	return http.StatusInternalServerError
}

// String returns a stable snake_case label used in logs and metrics.
func (k ErrorKind) String() string {
	if d, ok := kindDetails[k]; ok {
		return d.label
	}
	return "unknown"
}

// ClientError reports whether the failure was caused by the caller's input.
func (k ErrorKind) ClientError() bool {
	status := k.Status()
	return status >= 400 && status < 500
}

// Error is a classified relay failure. Err carries the underlying cause for
// logging and is never shown to the caller.
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Message()
	}
	return e.Kind.Message() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a kind check.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err.
func KindOf(err error) (ErrorKind, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}
	return 0, false
}

func writeError(w http.ResponseWriter, kind ErrorKind) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(kind.Status())
	_, _ = w.Write([]byte(kind.Message()))
}
