package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the services need. It is passed explicitly
// into constructors so tests can vary thresholds without touching the
// environment.
type Config struct {
	Addr       string
	AdminToken string

	// Persistence. Empty PostgresURL means in-memory stores (dev mode).
	PostgresURL string
	RedisURL    string

	// Kafka brokers for lifecycle events. Empty means events are dropped.
	KafkaBrokers []string
	KafkaTopic   string

	// Authentication-document fetching.
	FetchTimeout time.Duration
	FetchRetries int
	FetchBackoff time.Duration

	// Geographic resolution.
	FuzzyMaxDistance   int     // max edit distance for a fuzzy place match
	FuzzyMinSimilarity float64 // accept fuzzy match only at or above this
	FuzzyMinMargin     float64 // best must beat second-best by at least this
	PlaceCacheTTL      time.Duration

	// Text search.
	SearchMinSimilarity float64 // drop name matches scoring below this

	// Refresh batch.
	RefreshWorkers          int
	RefreshFailureThreshold int

	// Contact-channel validation.
	ValidationTTL time.Duration
}

// Default returns the configuration used when an environment variable is
// unset. Tests start from this and override individual fields.
func Default() Config {
	return Config{
		Addr:                    ":8080",
		FetchTimeout:            20 * time.Second,
		FetchRetries:            2,
		FetchBackoff:            500 * time.Millisecond,
		FuzzyMaxDistance:        2,
		FuzzyMinSimilarity:      0.6,
		FuzzyMinMargin:          0.1,
		SearchMinSimilarity:     0.5,
		PlaceCacheTTL:           12 * time.Hour,
		RefreshWorkers:          8,
		RefreshFailureThreshold: 3,
		ValidationTTL:           24 * time.Hour,
		KafkaTopic:              "libdiscovery.registry",
	}
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("LIBDISCOVERY_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.AdminToken = os.Getenv("LIBDISCOVERY_ADMIN_TOKEN")
	cfg.PostgresURL = os.Getenv("LIBDISCOVERY_POSTGRES_URL")
	cfg.RedisURL = os.Getenv("LIBDISCOVERY_REDIS_URL")
	if v := os.Getenv("LIBDISCOVERY_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("LIBDISCOVERY_KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}

	cfg.FetchTimeout = envDuration("LIBDISCOVERY_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.FetchRetries = envInt("LIBDISCOVERY_FETCH_RETRIES", cfg.FetchRetries)
	cfg.FetchBackoff = envDuration("LIBDISCOVERY_FETCH_BACKOFF", cfg.FetchBackoff)
	cfg.FuzzyMaxDistance = envInt("LIBDISCOVERY_FUZZY_MAX_DISTANCE", cfg.FuzzyMaxDistance)
	cfg.FuzzyMinSimilarity = envFloat("LIBDISCOVERY_FUZZY_MIN_SIMILARITY", cfg.FuzzyMinSimilarity)
	cfg.FuzzyMinMargin = envFloat("LIBDISCOVERY_FUZZY_MIN_MARGIN", cfg.FuzzyMinMargin)
	cfg.PlaceCacheTTL = envDuration("LIBDISCOVERY_PLACE_CACHE_TTL", cfg.PlaceCacheTTL)
	cfg.SearchMinSimilarity = envFloat("LIBDISCOVERY_SEARCH_MIN_SIMILARITY", cfg.SearchMinSimilarity)
	cfg.RefreshWorkers = envInt("LIBDISCOVERY_REFRESH_WORKERS", cfg.RefreshWorkers)
	cfg.RefreshFailureThreshold = envInt("LIBDISCOVERY_REFRESH_FAILURE_THRESHOLD", cfg.RefreshFailureThreshold)
	cfg.ValidationTTL = envDuration("LIBDISCOVERY_VALIDATION_TTL", cfg.ValidationTTL)

	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
