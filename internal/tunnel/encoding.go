package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DecodeBody returns the envelope bytes behind a Content-Encoding so the
// header can be inspected. The encoded input is left untouched; it is what
// gets forwarded. Decoded output is capped at limit bytes.
func DecodeBody(contentEncoding string, raw []byte, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		if limit > 0 && int64(len(raw)) > limit {
			return nil, newError(PayloadTooLarge, fmt.Errorf("body is %d bytes, limit %d", len(raw), limit))
		}
		return raw, nil
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, newError(MalformedBody, fmt.Errorf("gzip: %w", err))
		}
		defer reader.Close()
		return readDecoded(reader, limit)
	case "deflate":
		reader, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			// Some clients send raw DEFLATE without the zlib wrapper.
			fallback := flate.NewReader(bytes.NewReader(raw))
			defer fallback.Close()
			return readDecoded(fallback, limit)
		}
		defer reader.Close()
		return readDecoded(reader, limit)
	case "zstd":
		options := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if limit > 0 {
			options = append(options, zstd.WithDecoderMaxMemory(uint64(limit)+1))
		}
		decoder, err := zstd.NewReader(bytes.NewReader(raw), options...)
		if err != nil {
			return nil, newError(MalformedBody, fmt.Errorf("zstd: %w", err))
		}
		defer decoder.Close()
		return readDecoded(decoder, limit)
	default:
		return nil, newError(UnsupportedEncoding, fmt.Errorf("content encoding %q", contentEncoding))
	}
}

func readDecoded(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, newError(MalformedBody, fmt.Errorf("decode body: %w", err))
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, newError(PayloadTooLarge, fmt.Errorf("decoded body exceeds %d bytes", limit))
	}
	return data, nil
}
