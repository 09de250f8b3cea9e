package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestMemoryBackendLimitsAndRecovers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(time.Hour, time.Hour)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := b.Take(ctx, "k", 3, time.Minute)
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if remaining != 2-i {
			t.Fatalf("request %d: expected %d remaining, got %d", i, 2-i, remaining)
		}
	}

	allowed, _, resetAt := b.Take(ctx, "k", 3, time.Minute)
	if allowed {
		t.Fatal("fourth request should be rejected")
	}
	if wait := resetAt.Sub(now); wait <= 0 || wait > 20*time.Second {
		t.Fatalf("expected next token within 20s, got %v", wait)
	}

	now = now.Add(21 * time.Second)
	if allowed, _, _ := b.Take(ctx, "k", 3, time.Minute); !allowed {
		t.Fatal("bucket should refill over time")
	}
}

func TestMemoryBackendSweepsIdleBuckets(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(time.Minute, 30*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.Take(ctx, "a", 5, time.Minute)
	b.Take(ctx, "b", 5, time.Minute)

	now = now.Add(45 * time.Second)
	b.Take(ctx, "b", 5, time.Minute)
	if b.Len() != 2 {
		t.Fatalf("no bucket is idle long enough yet, got %d", b.Len())
	}

	now = now.Add(30 * time.Second)
	b.Take(ctx, "c", 5, time.Minute)
	if b.Len() != 2 {
		t.Fatalf("expected idle bucket a swept, got %d buckets", b.Len())
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(NewMemoryBackend(time.Hour, time.Hour), nil, zerolog.Nop(), RateLimiterConfig{
		ChatPerMinute: 2,
		Whitelist:     []string{"10.0.0.0/8"},
	})
	h := rl.Middleware(okHandler)

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.RemoteAddr = ip + ":40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("1.2.3.4"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := send("1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("missing rate limit headers: %v", rec.Header())
	}

	if rec := send("5.6.7.8"); rec.Code != http.StatusOK {
		t.Fatalf("other IPs have their own bucket, got %d", rec.Code)
	}
	for i := 0; i < 5; i++ {
		if rec := send("10.1.2.3"); rec.Code != http.StatusOK {
			t.Fatalf("whitelisted IP should bypass limits, got %d", rec.Code)
		}
	}
}

func TestRateLimiterIgnoresForwardedHeadersFromClients(t *testing.T) {
	rl := NewRateLimiter(NewMemoryBackend(time.Hour, time.Hour), nil, zerolog.Nop(), RateLimiterConfig{ChatPerMinute: 2})
	h := NewTrustedProxies(nil, zerolog.Nop()).Middleware(rl.Middleware(okHandler))

	allowed := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.RemoteAddr = "203.0.113.7:51000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("Fly-Client-IP", fmt.Sprintf("192.0.2.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected 2 requests allowed from one peer, got %d", allowed)
	}
}

func TestTrustedProxiesClientIP(t *testing.T) {
	proxies := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", "bogus/99"}, zerolog.Nop())

	cases := []struct {
		name, remote string
		headers      map[string]string
		want         string
	}{
		{"untrusted peer", "203.0.113.7:1234", map[string]string{"X-Forwarded-For": "1.1.1.1"}, "203.0.113.7"},
		{"fly header", "10.0.0.5:1234", map[string]string{"Fly-Client-IP": "1.1.1.1"}, "1.1.1.1"},
		{"forwarded chain", "10.0.0.5:1234", map[string]string{"X-Forwarded-For": "6.6.6.6, 1.1.1.1, 10.0.0.9"}, "1.1.1.1"},
		{"all hops trusted", "192.168.1.1:1234", map[string]string{"X-Forwarded-For": "10.0.0.2"}, "10.0.0.2"},
		{"garbage header", "10.0.0.5:1234", map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.0.0.5"},
		{"real ip", "10.0.0.5:1234", map[string]string{"X-Real-IP": "2.2.2.2"}, "2.2.2.2"},
		{"no headers", "10.0.0.5:1234", nil, "10.0.0.5"},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		req.RemoteAddr = c.remote
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		if got := proxies.ClientIP(req); got != c.want {
			t.Errorf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}

	var seen string
	h := proxies.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RealIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "1.1.1.1" {
		t.Fatalf("expected resolved address in context, got %q", seen)
	}
}

func TestFindLimitOrdering(t *testing.T) {
	rl := NewRateLimiter(NewMemoryBackend(time.Hour, time.Hour), nil, zerolog.Nop(), RateLimiterConfig{})

	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/chat", "chat"},
		{http.MethodGet, "/api/chats", "api"},
		{http.MethodGet, "/api/models", "models"},
		{http.MethodDelete, "/api/chats/abc", "api"},
		{http.MethodGet, "/health", ""},
	}
	for _, c := range cases {
		limit := rl.findLimit(httptest.NewRequest(c.method, c.path, nil))
		got := ""
		if limit != nil {
			got = limit.Name
		}
		if got != c.want {
			t.Errorf("%s %s: expected %q, got %q", c.method, c.path, c.want, got)
		}
	}
}

func TestOriginGuard(t *testing.T) {
	h := OriginGuard([]string{"https://app.example.com"}, zerolog.Nop())(okHandler)

	cases := []struct {
		origin string
		want   int
	}{
		{"", http.StatusOK},
		{"https://app.example.com", http.StatusOK},
		{"https://APP.example.com/", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		if c.origin != "" {
			req.Header.Set("Origin", c.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("origin %q: expected %d, got %d", c.origin, c.want, rec.Code)
		}
	}

	wildcard := OriginGuard([]string{"*"}, zerolog.Nop())(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	wildcard.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("wildcard should allow all origins, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	cfg := AuthConfig{Secret: "test-secret", Issuer: "chatrelay", Audience: "web"}
	auth := NewAuthMiddleware(cfg, zerolog.Nop())

	var gotUser string
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	valid, err := SignToken(cfg, "user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := SignToken(cfg, "user-1", -time.Hour)
	wrongSecret, _ := SignToken(AuthConfig{Secret: "other", Issuer: "chatrelay", Audience: "web"}, "user-1", time.Hour)
	wrongAudience, _ := SignToken(AuthConfig{Secret: "test-secret", Issuer: "chatrelay", Audience: "mobile"}, "user-1", time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"wrong audience", "Bearer " + wrongAudience, http.StatusUnauthorized},
	}
	for _, c := range cases {
		gotUser = ""
		req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, rec.Code)
		}
		if c.want == http.StatusOK && gotUser != "user-1" {
			t.Errorf("%s: expected user-1 in context, got %q", c.name, gotUser)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	h := ValidateRequest(okHandler)

	cases := []struct {
		name, method, target, contentType string
		want                              int
	}{
		{"json", http.MethodPost, "/api/chat", "application/json", http.StatusOK},
		{"multipart", http.MethodPost, "/api/attachments", "multipart/form-data; boundary=x", http.StatusOK},
		{"text", http.MethodPost, "/api/chat", "text/plain", http.StatusUnsupportedMediaType},
		{"traversal", http.MethodGet, "/api/../etc/passwd", "", http.StatusBadRequest},
		{"dots in query", http.MethodGet, "/api/search?q=wait...", "", http.StatusOK},
	}
	for _, c := range cases {
		var body *strings.Reader
		if c.method == http.MethodPost {
			body = strings.NewReader("{}")
		} else {
			body = strings.NewReader("")
		}
		req := httptest.NewRequest(c.method, "/", body)
		req.URL.Path, req.URL.RawQuery, _ = strings.Cut(c.target, "?")
		if c.contentType != "" {
			req.Header.Set("Content-Type", c.contentType)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, rec.Code)
		}
	}
}

func TestStatusWriterFlushes(t *testing.T) {
	var flushed bool
	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: x\n\n"))
		if err := http.NewResponseController(w).Flush(); err == nil {
			flushed = true
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	if !flushed || !rec.Flushed {
		t.Fatal("metrics writer should pass Flush through")
	}
}
