package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

const dsnField = "dsn"

// Header is the parsed first line of an envelope. Values are kept raw so the
// header is only interpreted where the tunnel needs it.
type Header map[string]json.RawMessage

// DSN returns the routing key string. present is false only when the field is
// absent; a present field holding anything but a JSON string yields an error.
func (h Header) DSN() (value string, present bool, err error) {
	raw, ok := h[dsnField]
	if !ok {
		return "", false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", true, fmt.Errorf("dsn is not a string: %w", err)
	}
	return value, true, nil
}

// SDKName returns sdk.name when the header carries one.
func (h Header) SDKName() string {
	raw, ok := h["sdk"]
	if !ok {
		return ""
	}
	var sdk struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &sdk); err != nil {
		return ""
	}
	if sdk.Version == "" {
		return sdk.Name
	}
	return sdk.Name + "/" + sdk.Version
}

// Envelope is a request body split at the end of its header line. Payload
// aliases the input and starts with the line terminator, so header line +
// Payload reproduces the body byte for byte.
type Envelope struct {
	Header  Header
	Payload []byte
}

// ParseEnvelope splits body at the first newline and parses the header. Only
// the header is inspected; the payload's item structure is left to upstream.
func ParseEnvelope(body []byte) (Envelope, error) {
	headerLine := body
	var payload []byte
	if end := bytes.IndexByte(body, '\n'); end >= 0 {
		headerLine = body[:end]
		payload = body[end:]
	}

	if _, _, err := transform.Bytes(encoding.UTF8Validator, headerLine); err != nil {
		return Envelope{}, newError(MalformedBody, fmt.Errorf("header is not valid UTF-8: %w", err))
	}

	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return Envelope{}, newError(MalformedBody, fmt.Errorf("decode header: %w", err))
	}
	if header == nil {
		return Envelope{}, newError(MalformedBody, errors.New("header is not a JSON object"))
	}

	return Envelope{Header: header, Payload: payload}, nil
}
