// Package server exposes the envelope relay over HTTP.
//
// It mounts the relay handler on a chi router behind a shared middleware
// chain: panic recovery, request IDs, client IP resolution, access logging,
// Prometheus metrics and security headers. The relay route additionally
// gets CORS and rate limiting. Health and metrics endpoints live on the
// same router unless metrics are served from a separate listener.
package server
