package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"broker-core/internal/ratelimit"
)

// Config holds environment-driven settings for broker-core.
type Config struct {
	Port string

	// Backend endpoints
	BackendURL   string
	WebSocketURL string

	// HTTP resilience
	RequestTimeout    time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	CircuitThreshold  int
	CircuitCooldown   time.Duration
	MaxRateLimitWait  time.Duration

	// Fallback
	MockEnabled   bool
	MockDelay     time.Duration
	ProbeInterval time.Duration

	// WebSocket channel
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Auth
	CredentialTTL   time.Duration
	OperatorUser    string
	OperatorPass    string // bcrypt hash; plaintext fallback for dev only
	JWTSecret       string
	SessionLifetime time.Duration

	// Storage
	DBPath string

	// Rate limits: defaults plus optional per-broker YAML table.
	RateLimits     map[string]ratelimit.Config
	RateLimitsFile string

	// Brokers enabled at startup
	Brokers []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8090"),
		BackendURL:           getEnv("BACKEND_URL", "http://localhost:8000"),
		WebSocketURL:         getEnv("WEBSOCKET_URL", "ws://localhost:8000/ws"),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),
		RetryDelay:           getEnvDuration("RETRY_DELAY", time.Second),
		BackoffMultiplier:    getEnvFloat("BACKOFF_MULTIPLIER", 2),
		MaxRetryDelay:        getEnvDuration("MAX_RETRY_DELAY", 10*time.Second),
		CircuitThreshold:     getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitCooldown:      getEnvDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
		MaxRateLimitWait:     getEnvDuration("MAX_RATE_LIMIT_WAIT", 15*time.Second),
		MockEnabled:          getEnv("MOCK_ENABLED", "true") == "true",
		MockDelay:            getEnvDuration("MOCK_DELAY", 150*time.Millisecond),
		ProbeInterval:        getEnvDuration("HEALTH_PROBE_INTERVAL", 15*time.Second),
		HeartbeatInterval:    getEnvDuration("WS_HEARTBEAT_INTERVAL", 15*time.Second),
		ReconnectBaseDelay:   getEnvDuration("WS_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvDuration("WS_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: getEnvInt("WS_MAX_RECONNECT_ATTEMPTS", 10),
		CredentialTTL:        getEnvDuration("CREDENTIAL_TTL", 24*time.Hour),
		OperatorUser:         getEnv("OPERATOR_USER", "operator"),
		OperatorPass:         os.Getenv("OPERATOR_PASS"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		SessionLifetime:      getEnvDuration("SESSION_LIFETIME", 12*time.Hour),
		DBPath:               getEnv("DB_PATH", "./data/broker-core.db"),
		RateLimitsFile:       getEnv("RATE_LIMITS_FILE", ""),
		Brokers:              splitAndTrim(getEnv("BROKERS", "ibkr,mt5,bybit")),
		RateLimits:           map[string]ratelimit.Config{},
	}

	if cfg.RateLimitsFile != "" {
		limits, err := loadRateLimits(cfg.RateLimitsFile)
		if err != nil {
			return nil, err
		}
		cfg.RateLimits = limits
	}
	return cfg, nil
}

// loadRateLimits reads a per-broker rate-limit table:
//
//	brokers:
//	  ibkr:
//	    requests_per_second: 5
//	    burst_capacity: 10
func loadRateLimits(path string) (map[string]ratelimit.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits %s: %w", path, err)
	}
	var doc struct {
		Brokers map[string]ratelimit.Config `yaml:"brokers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	return doc.Brokers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
