// Package config reads the server configuration from the environment.
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
	Console  bool

	RedisURL     string
	PlacesAPIKey string

	CacheTTL          time.Duration
	LockTTL           time.Duration
	LockWaitTimeout   time.Duration
	LockPollInterval  time.Duration
	MaxRecursionLevel int

	SearchEmitPause time.Duration
	WSDedupe        bool

	MetricsEnabled bool
	Invalidation   InvalidationCfg
}

func FromEnv() Config {
	return Config{
		Addr:     ":" + getenv("PORT", "5000"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Console:  getbool("LOG_CONSOLE", false),

		RedisURL:     getenv("REDIS_URL", "redis://redis:6379/0"),
		PlacesAPIKey: getenv("PLACES_API_KEY", ""),

		CacheTTL:          getduration("CACHE_TTL", 12*time.Hour),
		LockTTL:           getduration("LOCK_TTL", 10*time.Second),
		LockWaitTimeout:   getduration("LOCK_WAIT_TIMEOUT", 3*time.Second),
		LockPollInterval:  getduration("LOCK_POLL_INTERVAL", 50*time.Millisecond),
		MaxRecursionLevel: getint("MAX_RECURSION_LEVEL", 16),

		SearchEmitPause: getduration("SEARCH_EMIT_PAUSE", 10*time.Millisecond),
		WSDedupe:        getbool("WS_DEDUPE", false),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "places-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "places-cache-invalidator"),
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
