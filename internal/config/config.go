// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// AgentEndpoint is the agent backend's streaming run URL.
	AgentEndpoint string

	// Agent routing.
	PrimaryAgents       []string
	FinalReportAgent    string
	ForwardThoughts     bool
	FinalizeOnStreamEnd bool

	// Pre-connection retry policy for the agent backend.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxElapsed  time.Duration

	// ConversationTTL bounds how long finished conversations are retained.
	ConversationTTL time.Duration

	// MaxRequestBodySize caps inbound chat request bodies, in bytes.
	MaxRequestBodySize int64

	RateLimit  RateLimitConfig
	Transcript TranscriptConfig
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

// TranscriptConfig controls NDJSON conversation transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/astra.db"),

		AgentEndpoint: getEnv("AGENT_ENDPOINT", "http://localhost:8000/run_sse"),

		PrimaryAgents:       getEnvList("AGENT_PRIMARY_AGENTS", []string{"root_agent", "interactive_planner_agent"}),
		FinalReportAgent:    getEnv("AGENT_FINAL_REPORT_AGENT", "report_composer_with_citations"),
		ForwardThoughts:     getEnvBool("AGENT_FORWARD_THOUGHTS", false),
		FinalizeOnStreamEnd: getEnvBool("AGENT_FINALIZE_ON_STREAM_END", false),

		RetryMaxAttempts: getEnvInt("AGENT_RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:   getEnvDuration("AGENT_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvDuration("AGENT_RETRY_MAX_DELAY", 4*time.Second),
		RetryMaxElapsed:  getEnvDuration("AGENT_RETRY_MAX_ELAPSED", 15*time.Second),

		ConversationTTL:    getEnvDuration("CONVERSATION_TTL", 7*24*time.Hour),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64*1024)),

		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Limit:   getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
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
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentEndpoint == "" {
		return fmt.Errorf("AGENT_ENDPOINT cannot be empty")
	}
	if len(c.PrimaryAgents) == 0 {
		return fmt.Errorf("AGENT_PRIMARY_AGENTS cannot be empty")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("AGENT_RETRY_MAX_ATTEMPTS must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.Limit <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
