package tunnel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DSN is a parsed routing key of the form scheme://public_key@host/project_id.
type DSN struct {
	Scheme    string
	PublicKey string
	Host      string
	// Path is everything between the host and the project id, without the
	// trailing slash. It is empty for the common single-segment form.
	Path      string
	ProjectID string
}

// ParseDSN parses raw as a URI whose final path segment is the project id.
func ParseDSN(raw string) (DSN, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DSN{}, errors.New("dsn is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return DSN{}, fmt.Errorf("parse dsn: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return DSN{}, errors.New("dsn must include scheme and host")
	}

	idx := strings.LastIndex(parsed.Path, "/")
	if idx < 0 || idx == len(parsed.Path)-1 {
		return DSN{}, errors.New("dsn has no project id")
	}

	dsn := DSN{
		Scheme:    parsed.Scheme,
		Host:      parsed.Host,
		Path:      parsed.Path[:idx],
		ProjectID: parsed.Path[idx+1:],
	}
	if parsed.User != nil {
		dsn.PublicKey = parsed.User.Username()
	}
	return dsn, nil
}

// KeyFingerprint returns a short digest of the public key that is safe to log.
func (d DSN) KeyFingerprint() string {
	if d.PublicKey == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(d.PublicKey))
	return hex.EncodeToString(sum[:6])
}
