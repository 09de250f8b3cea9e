package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Upstream LLM gateway
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	AppURL            string
	AppName           string
	DefaultModel      string
	UpstreamTimeout   time.Duration

	// Origin validation and CORS
	AllowedOrigins []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	TrustedProxies     []string // peers whose forwarding headers are honored
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
	ChatRateLimit      int      // chat requests per minute per IP
	ModelsRateLimit    int      // models requests per minute per IP

	// Auth
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Streaming
	FlushInterval    time.Duration
	FlushMaxWait     time.Duration
	HistoryLimit     int
	MaxMessageChars  int
	StaleStreamAfter time.Duration

	// Models cache
	ModelCacheTTL  time.Duration
	ModelCacheSize int

	// Events and attachments
	EventsURL          string
	S3Bucket           string
	S3Region           string
	S3Endpoint         string
	AttachmentMaxBytes int64
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// It panics on missing required variables, and outside development when
// AUTH_JWT_SECRET is unset.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/chatrelay.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		AppURL:            os.Getenv("APP_URL"),
		AppName:           getEnv("APP_NAME", "chatrelay"),
		DefaultModel:      getEnv("DEFAULT_MODEL", "openai/gpt-4o-mini"),
		UpstreamTimeout:   getDuration("UPSTREAM_TIMEOUT", 2*time.Minute),

		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),

		RateLimitWhitelist: splitList(os.Getenv("RATE_LIMIT_WHITELIST")),
		TrustedProxies:     splitList(os.Getenv("TRUSTED_PROXIES")),
		AutoBlockEnabled:   getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		ChatRateLimit:      getInt("CHAT_RATE_LIMIT", 20),
		ModelsRateLimit:    getInt("MODELS_RATE_LIMIT", 60),

		JWTSecret:   os.Getenv("AUTH_JWT_SECRET"),
		JWTIssuer:   os.Getenv("AUTH_ISSUER"),
		JWTAudience: os.Getenv("AUTH_AUDIENCE"),

		FlushInterval:    getDuration("STREAM_FLUSH_INTERVAL", 400*time.Millisecond),
		FlushMaxWait:     getDuration("STREAM_FLUSH_MAX_WAIT", 2*time.Second),
		HistoryLimit:     getInt("HISTORY_LIMIT", 50),
		MaxMessageChars:  getInt("MAX_MESSAGE_CHARS", 32000),
		StaleStreamAfter: getDuration("STALE_STREAM_AFTER", 10*time.Minute),

		ModelCacheTTL:  getDuration("MODEL_CACHE_TTL", 10*time.Minute),
		ModelCacheSize: getInt("MODEL_CACHE_SIZE", 128),

		EventsURL:          os.Getenv("EVENTS_URL"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:         os.Getenv("S3_ENDPOINT"),
		AttachmentMaxBytes: int64(getInt("ATTACHMENT_MAX_BYTES", 10<<20)),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	// In production, require database and upstream key
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.OpenRouterAPIKey == "" {
			panic("OPENROUTER_API_KEY is required in production")
		}
	}

	// The fixed secret is only acceptable for local development.
	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			panic("AUTH_JWT_SECRET is required when ENV=" + cfg.Env)
		}
		cfg.JWTSecret = "development-secret-do-not-use"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ChatLockTTL bounds how long a crashed stream can hold a chat.
func (c *Config) ChatLockTTL() time.Duration {
	return c.UpstreamTimeout + time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
