// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts, byte caps, and rate-limit windows are configurable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LimitsConfig holds the byte/count caps named in the external-interface defaults.
type LimitsConfig struct {
	MaxMessageBytes    int64
	MaxInlineBytes     int64
	MaxUploadBytes      int64
	MaxReplayMessages  int
	MaxPendingRequests int
	MaxWriteQueueDepth int
	StreamLimit        int
	StreamIdempotencyRetention time.Duration
}

// RateConfig holds the sliding-window rate limiter parameters.
type RateConfig struct {
	MaxPairPerMinute     int
	MaxMessagesPerSecond int
}

// TimeoutConfig holds timeout-related configuration.
type TimeoutConfig struct {
	TokenTTL              time.Duration
	ReissueGrace          time.Duration
	PendingSocketTimeout  time.Duration
	MediaFetchDeadline    time.Duration
	ShutdownGraceWindow   time.Duration
	AssetOrphanGrace      time.Duration
	AssetSweepInterval    time.Duration
	RateLimiterSweepEvery int
	PairingStateReloadInterval time.Duration
	IdempotencySweepInterval   time.Duration
}

// Config holds all application configuration.
type Config struct {
	Port       string
	BindAddr   string
	StateDir   string
	MediaDir   string
	DBPath     string
	AgentID    string
	AdminGlobalStreamKey string
	DMScopeEnabled       bool
	DispatcherAddr       string

	Limits  LimitsConfig
	Rate    RateConfig
	Timeout TimeoutConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("CLAWLINE_PORT", "18800"),
		BindAddr:             getEnv("CLAWLINE_BIND", "127.0.0.1"),
		StateDir:             getEnv("CLAWLINE_STATE_DIR", "./data/state"),
		MediaDir:             getEnv("CLAWLINE_MEDIA_DIR", "./data/media"),
		DBPath:               getEnv("CLAWLINE_DB_PATH", "./data/state/clawline.sqlite"),
		AgentID:              getEnv("CLAWLINE_AGENT_ID", "main"),
		AdminGlobalStreamKey: getEnv("CLAWLINE_ADMIN_STREAM_KEY", "agent:main:clawline:global:admin"),
		DMScopeEnabled:       getEnvBool("CLAWLINE_DM_SCOPE_ENABLED", false),
		DispatcherAddr:       getEnv("CLAWLINE_DISPATCHER_ADDR", ""),

		Limits: LimitsConfig{
			MaxMessageBytes:            getEnvInt64("CLAWLINE_MAX_MESSAGE_BYTES", 64*1024),
			MaxInlineBytes:             getEnvInt64("CLAWLINE_MAX_INLINE_BYTES", 256*1024),
			MaxUploadBytes:             getEnvInt64("CLAWLINE_MAX_UPLOAD_BYTES", 8*1024*1024),
			MaxReplayMessages:          getEnvInt("CLAWLINE_MAX_REPLAY_MESSAGES", 500),
			MaxPendingRequests:         getEnvInt("CLAWLINE_MAX_PENDING_REQUESTS", 100),
			MaxWriteQueueDepth:         getEnvInt("CLAWLINE_MAX_WRITE_QUEUE_DEPTH", 256),
			StreamLimit:                getEnvInt("CLAWLINE_STREAM_LIMIT", 50),
			StreamIdempotencyRetention: getEnvDuration("CLAWLINE_STREAM_IDEMPOTENCY_RETENTION", 7*24*time.Hour),
		},
		Rate: RateConfig{
			MaxPairPerMinute:     getEnvInt("CLAWLINE_MAX_PAIR_PER_MINUTE", 5),
			MaxMessagesPerSecond: getEnvInt("CLAWLINE_MAX_MESSAGES_PER_SECOND", 5),
		},
		Timeout: TimeoutConfig{
			TokenTTL:              getEnvDuration("CLAWLINE_TOKEN_TTL", 365*24*time.Hour),
			ReissueGrace:          getEnvDuration("CLAWLINE_REISSUE_GRACE", 600*time.Second),
			PendingSocketTimeout:  getEnvDuration("CLAWLINE_PENDING_SOCKET_TIMEOUT", 300*time.Second),
			MediaFetchDeadline:    getEnvDuration("CLAWLINE_MEDIA_FETCH_DEADLINE", 30*time.Second),
			ShutdownGraceWindow:   getEnvDuration("CLAWLINE_SHUTDOWN_GRACE_WINDOW", 5*time.Second),
			AssetOrphanGrace:      getEnvDuration("CLAWLINE_ASSET_ORPHAN_GRACE", 24*time.Hour),
			AssetSweepInterval:    getEnvDuration("CLAWLINE_ASSET_SWEEP_INTERVAL", 10*time.Minute),
			RateLimiterSweepEvery: getEnvInt("CLAWLINE_RATE_LIMITER_SWEEP_EVERY", 1000),
			PairingStateReloadInterval: getEnvDuration("CLAWLINE_PAIRING_STATE_RELOAD_INTERVAL", 2*time.Second),
			IdempotencySweepInterval:   getEnvDuration("CLAWLINE_IDEMPOTENCY_SWEEP_INTERVAL", 1*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("CLAWLINE_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("CLAWLINE_DB_PATH cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("CLAWLINE_STATE_DIR cannot be empty")
	}
	if c.MediaDir == "" {
		return fmt.Errorf("CLAWLINE_MEDIA_DIR cannot be empty")
	}
	if c.Limits.StreamLimit <= 0 {
		return fmt.Errorf("CLAWLINE_STREAM_LIMIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if the bind address is loopback, matching the
// teacher's FrontendURL-based localhost heuristic.
func (c *Config) IsDevelopment() bool {
	return c.BindAddr == "" || c.BindAddr == "127.0.0.1" || c.BindAddr == "localhost"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
