package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the sync service.
type Config struct {
	Port            string
	DataRoot        string
	NATSURL         string
	JWKSURL         string
	PushSharedToken string
	PushTopic       string

	TokenServiceURL string

	// BackfillWindow bounds the full-window fallback. It trades backfill
	// cost against the longest notification outage the service tolerates.
	BackfillWindow time.Duration

	// SyncInterval is the periodic reconciliation tick for watched accounts.
	SyncInterval time.Duration

	// WatchRenewalMargin is how long before subscription expiry the runner
	// renews the provider push subscription.
	WatchRenewalMargin time.Duration
}

// Load reads configuration from the environment, with a .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DataRoot:           getEnv("DATA_ROOT", "data"),
		NATSURL:            getEnv("NATS_URL", ""),
		JWKSURL:            getEnv("JWKS_URL", ""),
		PushSharedToken:    getEnv("PUSH_SHARED_TOKEN", ""),
		PushTopic:          getEnv("PUSH_TOPIC", ""),
		TokenServiceURL:    getEnv("TOKEN_SERVICE_URL", "http://localhost:3000"),
		BackfillWindow:     getDuration("BACKFILL_WINDOW", 7*24*time.Hour),
		SyncInterval:       getDuration("SYNC_INTERVAL", 30*time.Second),
		WatchRenewalMargin: getDuration("WATCH_RENEWAL_MARGIN", 24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
