package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	RedisAddr      string
	CacheOpTimeout time.Duration

	// FreshnessWindow is the maximum age a cached record may reach before it
	// is considered stale. The upstream publishes monthly; a week keeps us
	// well inside one publication cycle without hammering a rate-limited API.
	FreshnessWindow time.Duration

	OfflineDataFile string

	APIBaseURL       string
	APIResourceID    string
	APIKey           string
	FetchTimeout     time.Duration
	FetchMaxAttempts int
	FetchBackoffMin  time.Duration
	FetchBackoffMax  time.Duration

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		FreshnessWindow: getduration("FRESHNESS_WINDOW", 7*24*time.Hour),

		OfflineDataFile: getenv("OFFLINE_DATA_FILE", "offline_data.json"),

		APIBaseURL:       getenv("API_BASE_URL", "https://api.data.gov.in"),
		APIResourceID:    getenv("API_RESOURCE_ID", ""),
		APIKey:           getenv("API_KEY", ""),
		FetchTimeout:     getduration("FETCH_TIMEOUT", 10*time.Second),
		FetchMaxAttempts: getint("FETCH_MAX_ATTEMPTS", 3),
		FetchBackoffMin:  getduration("FETCH_BACKOFF_MIN", 250*time.Millisecond),
		FetchBackoffMax:  getduration("FETCH_BACKOFF_MAX", 5*time.Second),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "metrics-published"),
			GroupID: getenv("KAFKA_GROUP_ID", "metrics-cache"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
