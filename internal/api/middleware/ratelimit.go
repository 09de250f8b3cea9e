package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Name     string
	Method   string // empty matches any method
	Prefix   string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
	ChatPerMinute    int
	ModelsPerMinute  int
}

// Backend counts requests against a limit.
type Backend interface {
	// Take records one request for key and reports whether it is allowed,
	// how many remain and when the limit next has room.
	Take(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time)
}

// RateLimiter applies per-route limits keyed by client IP.
type RateLimiter struct {
	backend          Backend
	limits           []RateLimit
	blocker          *IPBlocker
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter. blocker may be nil.
func NewRateLimiter(backend Backend, blocker *IPBlocker, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	if cfg.ChatPerMinute <= 0 {
		cfg.ChatPerMinute = 20
	}
	if cfg.ModelsPerMinute <= 0 {
		cfg.ModelsPerMinute = 60
	}

	rl := &RateLimiter{
		backend:          backend,
		blocker:          blocker,
		logger:           logger,
		autoBlockEnabled: cfg.AutoBlockEnabled && blocker != nil,
		// First match wins, so specific routes precede the catch-all.
		limits: []RateLimit{
			{"chat", http.MethodPost, "/api/chat", cfg.ChatPerMinute, time.Minute, ipKey},
			{"models", http.MethodGet, "/api/models", cfg.ModelsPerMinute, time.Minute, ipKey},
			{"attachments", http.MethodPost, "/api/attachments", 30, time.Minute, ipKey},
			{"search", http.MethodGet, "/api/search", 30, time.Minute, ipKey},
			{"api", "", "/api/", 120, time.Minute, ipKey},
		},
	}

	rl.whitelist, rl.whitelistIPs = parseNetworks(cfg.Whitelist, logger)

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		// Check IP block first
		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r) + ":" + limit.Name
		allowed, remaining, resetAt := rl.backend.Take(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(math.Ceil(time.Until(resetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			metrics.RateLimitHits.WithLabelValues(limit.Name).Inc()
			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	for i := range rl.limits {
		l := &rl.limits[i]
		if l.Method != "" && l.Method != r.Method {
			continue
		}
		if l.Prefix == r.URL.Path || (strings.HasSuffix(l.Prefix, "/") && strings.HasPrefix(r.URL.Path, l.Prefix)) {
			return l
		}
	}
	return nil
}

// trackViolation auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count := rl.blocker.RecordViolation(ctx, ip)
	if count >= 10 {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// MemoryBackend keeps token buckets in process memory. Idle buckets are swept
// lazily from Take, at most once per sweepEvery.
type MemoryBackend struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend(idleTTL, sweepEvery time.Duration) *MemoryBackend {
	return &MemoryBackend{
		buckets:    make(map[string]*bucket),
		idleTTL:    idleTTL,
		sweepEvery: sweepEvery,
		lastSweep:  time.Now(),
		now:        time.Now,
	}
}

// Take spends one token. A bucket refills limit tokens per window.
func (m *MemoryBackend) Take(_ context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		m.buckets[key] = b
	}
	b.lastSeen = now

	perToken := window / time.Duration(limit)
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)

	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}

	var resetAt time.Time
	if allowed {
		// When the bucket is full again.
		resetAt = now.Add(time.Duration((float64(limit) - tokens) * float64(perToken)))
	} else {
		// When the next token arrives.
		resetAt = now.Add(time.Duration((1 - tokens) * float64(perToken)))
	}
	return allowed, remaining, resetAt
}

// Len returns the number of live buckets.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryBackend) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.sweepEvery {
		return
	}
	m.lastSweep = now
	cutoff := now.Add(-m.idleTTL)
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// RedisBackend implements a sliding window shared by all instances.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Redis-backed limiter backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Take checks the limit and records the request.
func (b *RedisBackend) Take(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := b.client.Pipeline()

	// Remove old entries outside window
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))

	// Count current entries
	countCmd := pipe.ZCard(ctx, key)

	// Add current request with unique member
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})

	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open when Redis is unavailable.
		return true, limit, now.Add(window)
	}

	count := countCmd.Val()
	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	return count < int64(limit), remaining, now.Add(window)
}

// IPBlocker manages temporary IP blocks. A nil blocker blocks nothing.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

// IsBlocked checks if an IP is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	if b == nil {
		return false
	}
	key := fmt.Sprintf("blocked:ip:%s", ip)
	exists, _ := b.client.Exists(ctx, key).Result()
	return exists > 0
}

// RecordViolation counts a rate limit violation within the last hour.
func (b *IPBlocker) RecordViolation(ctx context.Context, ip string) int64 {
	if b == nil {
		return 0
	}
	key := fmt.Sprintf("violations:ip:%s", ip)
	count, _ := b.client.Incr(ctx, key).Result()
	b.client.Expire(ctx, key, time.Hour)
	return count
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	if b == nil {
		return
	}
	key := fmt.Sprintf("blocked:ip:%s", ip)
	b.client.Set(ctx, key, reason, duration)
}
