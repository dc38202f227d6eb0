package server

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultClientWindow      = time.Minute
	defaultMaxTrackedClients = 10000
	clientKeyPrefix          = "tunnel:client:"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// ClientLimit caps envelopes per client IP within ClientWindow. Zero
	// disables the per-client limit.
	ClientLimit  int
	ClientWindow time.Duration

	TrustForwardedHeaders bool
	TrustedProxies        []string

	// MaxTrackedClients bounds the in-process bucket cache.
	MaxTrackedClients int

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	clientLimit  int
	clientWindow time.Duration

	clientMu      sync.Mutex
	clientBuckets *lru.Cache[string, *tokenBucket]

	store tokenStore
}

// tokenStore is a shared fixed-window counter used when several tunnel
// instances must agree on per-client limits.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		clientLimit:  cfg.ClientLimit,
		clientWindow: cfg.ClientWindow,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.GlobalRPS))
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.clientLimit < 0 {
		rl.clientLimit = 0
	}
	if rl.clientWindow <= 0 {
		rl.clientWindow = defaultClientWindow
	}
	if rl.clientLimit == 0 {
		return rl, nil
	}

	if cfg.RedisAddr != "" {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
		return rl, nil
	}

	size := cfg.MaxTrackedClients
	if size <= 0 {
		size = defaultMaxTrackedClients
	}
	buckets, err := lru.New[string, *tokenBucket](size)
	if err != nil {
		return nil, fmt.Errorf("create client bucket cache: %w", err)
	}
	rl.clientBuckets = buckets
	return rl, nil
}

// AllowRequest consumes a token from the process-wide bucket.
func (r *rateLimiter) AllowRequest() (bool, time.Duration) {
	if r == nil || r.global == nil {
		return true, 0
	}
	return r.global.Allow()
}

// AllowClient applies the per-client limit to key, normally the client IP.
func (r *rateLimiter) AllowClient(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.clientLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, clientKeyPrefix+key, r.clientLimit, r.clientWindow)
	}

	r.clientMu.Lock()
	bucket, ok := r.clientBuckets.Get(key)
	if !ok {
		rate := float64(r.clientLimit) / r.clientWindow.Seconds()
		bucket = newTokenBucket(rate, r.clientLimit)
		r.clientBuckets.Add(key, bucket)
	}
	r.clientMu.Unlock()

	allowed, retryAfter := bucket.Allow()
	return allowed, retryAfter, nil
}

// Ping reports the health of the shared store, if one is configured.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) usesStore() bool {
	return r != nil && r.store != nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
		now:       time.Now,
	}
}

// Allow takes one token. When none is available it returns how long until
// the next one accrues.
func (tb *tokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		missing := 1 - tb.tokens
		return false, time.Duration(missing / tb.rate * float64(time.Second))
	}
	tb.tokens--
	return true, 0
}
