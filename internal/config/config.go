// Package config reads service settings from the environment, after loading
// an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vetsync.org/internal/crm"
	"vetsync.org/internal/obs"
)

type Config struct {
	PGDSN      string
	HTTPAddr   string
	AuthSecret string
	LogLevel   string

	CRM      crm.Config
	RedisURL string

	OpenAIKey   string
	OpenAIModel string

	QueueBatch     int
	WorkerInterval time.Duration
}

// Load reads .env (when present) and then the process environment.
// Missing CRM credentials are not an error; they leave the CRM client
// unconfigured.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	return Config{
		PGDSN:      strings.TrimSpace(os.Getenv("VETSYNC_PG_DSN")),
		HTTPAddr:   envOrDefault("VETSYNC_HTTP_ADDR", ":8080"),
		AuthSecret: os.Getenv("VETSYNC_AUTH_SECRET"),
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),
		CRM: crm.Config{
			ClientID:       os.Getenv("GHL_CLIENT_ID"),
			ClientSecret:   os.Getenv("GHL_CLIENT_SECRET"),
			RedirectURI:    os.Getenv("GHL_REDIRECT_URI"),
			APIBaseURL:     os.Getenv("GHL_API_BASE_URL"),
			AuthURL:        os.Getenv("GHL_AUTH_URL"),
			TokenURL:       os.Getenv("GHL_TOKEN_URL"),
			RequestDelay:   durationEnv("GHL_REQUEST_DELAY", 100*time.Millisecond),
			MaxRetries:     intEnv("GHL_MAX_RETRIES", 3),
			RetryDelay:     durationEnv("GHL_RETRY_DELAY", time.Second),
			RateLimitPause: durationEnv("GHL_RATE_LIMIT_PAUSE", 10*time.Second),
		},
		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		QueueBatch:     intEnv("VETSYNC_QUEUE_BATCH", 10),
		WorkerInterval: durationEnv("VETSYNC_WORKER_INTERVAL", 30*time.Second),
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		obs.Logger().Warnw("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		obs.Logger().Warnw("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
