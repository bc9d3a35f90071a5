package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDSN        string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	HTTPAddr     string
	LogLevel     string
	OTLPEndpoint string

	// BundleWindow is the clustering threshold: an order joins a window while
	// its scheduled time is within this span of the window's anchor.
	BundleWindow time.Duration
	// ClaimTimeout bounds a single claim attempt end to end.
	ClaimTimeout time.Duration
	// FeedPoll is the fallback refresh interval when no change events arrive.
	FeedPoll time.Duration
	// SweepAfter is how long past its scheduled time a pending order may sit
	// before the sweeper cancels it.
	SweepAfter time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		DBDSN:        os.Getenv("DB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		BundleWindow: envDuration("BUNDLE_WINDOW", time.Hour),
		ClaimTimeout: envDuration("CLAIM_TIMEOUT", 5*time.Second),
		FeedPoll:     envDuration("FEED_POLL", 30*time.Second),
		SweepAfter:   envDuration("SWEEP_AFTER", 24*time.Hour),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
