package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and the retry worker.
type Config struct {
	Port string

	AuthToken     string
	WebhookSecret string

	DatabaseURL string

	ProviderAPIKey    string
	ProviderBaseURL   string
	ProviderTimeoutMS int
	CallbackURL       string

	StorageURL       string
	StorageAPIKey    string
	StorageBucket    string
	SignedURLTTLMins int

	BreakerFailureThreshold  int
	BreakerSuccessThreshold  int
	BreakerRecoverySeconds   int
	BreakerRequestTimeoutMS  int
	BreakerTrackTimeouts     bool
	StorageFailureThreshold  int
	StorageRecoverySeconds   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	RetryWorkerEnabled bool
	RetryDelayMS       int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:     getEnv("API_AUTH_TOKEN", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ProviderAPIKey:    getEnv("HDR_PROVIDER_API_KEY", ""),
		ProviderBaseURL:   getEnv("HDR_PROVIDER_BASE_URL", "https://api.hdrfusion.example.com/v1"),
		ProviderTimeoutMS: getEnvInt("HDR_PROVIDER_TIMEOUT_MS", 15000),
		CallbackURL:       getEnv("CALLBACK_URL", "http://localhost:8080/v1/callbacks/hdr"),

		StorageURL:       getEnv("STORAGE_URL", ""),
		StorageAPIKey:    getEnv("STORAGE_API_KEY", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", "listing-media"),
		SignedURLTTLMins: getEnvInt("SIGNED_URL_TTL_MINUTES", 15),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerRecoverySeconds:  getEnvInt("BREAKER_RECOVERY_SECONDS", 30),
		BreakerRequestTimeoutMS: getEnvInt("BREAKER_REQUEST_TIMEOUT_MS", 15000),
		BreakerTrackTimeouts:    getEnvBool("BREAKER_TRACK_TIMEOUTS", true),
		StorageFailureThreshold: getEnvInt("STORAGE_FAILURE_THRESHOLD", 10),
		StorageRecoverySeconds:  getEnvInt("STORAGE_RECOVERY_SECONDS", 15),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "hdr_retries"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "hdr_retries_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "hdr_retry_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		RetryWorkerEnabled: getEnvBool("RETRY_WORKER_ENABLED", true),
		RetryDelayMS:       getEnvInt("RETRY_DELAY_MS", 2000),
	}
}

// ProviderTimeout returns the provider request timeout as a duration.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
