package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseURL        string
	JWTSecret          string
	CORSAllowedOrigins []string
	// Per-caller request rate; zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Push signal fan-out between authority replicas: "local", "redis" or "amqp".
	SignalBus     string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	AMQPURL       string

	// Booking gate and workflow policy
	QuotaFree             int
	QuotaBasic            int
	LinkRequiredTypes     []string
	AutoScheduleOnApprove bool

	// Outbox delivery for best-effort side effects
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxBaseDelay   time.Duration
	OutboxLease       time.Duration

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SendGridAPIHost   string
	SESFromEmail      string
	SESFromName       string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	RecordsBucket       string

	// Portal agent (headless session)
	AuthorityURL       string
	SessionToken       string
	PollInterval       time.Duration
	StartupGrace       time.Duration
	DedupCapacity      int
	SoundEnabled       bool
	ToastEnabled       bool
	SoundOncePerBatch  bool
	SignalReconnectMax time.Duration
	LoadBackoffMax     time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),

		SignalBus:     strings.ToLower(strings.TrimSpace(getEnv("SIGNAL_BUS", "local"))),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		AMQPURL:       getEnv("AMQP_URL", ""),

		QuotaFree:             getEnvAsInt("QUOTA_FREE", 10),
		QuotaBasic:            getEnvAsInt("QUOTA_BASIC", 20),
		LinkRequiredTypes:     getEnvAsList("CONSULTATION_LINK_REQUIRED_FOR", []string{"walk-in", "online"}),
		AutoScheduleOnApprove: getEnvAsBool("AUTO_SCHEDULE_ON_APPROVE", true),

		OutboxInterval:    getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxMaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 6),
		OutboxBaseDelay:   getEnvAsDuration("OUTBOX_BASE_DELAY", 30*time.Second),
		OutboxLease:       getEnvAsDuration("OUTBOX_LEASE", 2*time.Minute),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Portal"),
		SendGridAPIHost:   getEnv("SENDGRID_API_HOST", ""),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESFromName:       getEnv("SES_FROM_NAME", "Clinic Portal"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		RecordsBucket:       getEnv("RECORDS_BUCKET", ""),

		AuthorityURL:       getEnv("AUTHORITY_URL", "http://localhost:8080"),
		SessionToken:       getEnv("SESSION_TOKEN", ""),
		PollInterval:       getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		StartupGrace:       getEnvAsDuration("STARTUP_GRACE", 3*time.Second),
		DedupCapacity:      getEnvAsInt("DEDUP_CAPACITY", 1024),
		SoundEnabled:       getEnvAsBool("ALERT_SOUND", true),
		ToastEnabled:       getEnvAsBool("ALERT_TOAST", true),
		SoundOncePerBatch:  getEnvAsBool("ALERT_SOUND_ONCE_PER_BATCH", true),
		SignalReconnectMax: getEnvAsDuration("SIGNAL_RECONNECT_MAX", 30*time.Second),
		LoadBackoffMax:     getEnvAsDuration("LOAD_BACKOFF_MAX", time.Minute),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
