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
	Port            string
	FrontendURL     string
	SessionTTL      time.Duration // idle time before a session is evicted from memory
	ToolRenderDelay time.Duration // pause between a tool placeholder and its result
	Persistence     PersistenceConfig
	Model           ModelConfig
	Knowledge       KnowledgeConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// PersistenceConfig selects where committed conversations are saved.
type PersistenceConfig struct {
	Backend       string // "sqlite", "redis" or "none"
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// ModelConfig selects the model provider and the routing table.
type ModelConfig struct {
	Provider     string // "openai" or "grpc"
	BaseURL      string
	APIKey       string
	GRPCAddr     string
	ProfilesPath string // empty = embedded default table
}

// KnowledgeConfig holds the external search and compute endpoints.
type KnowledgeConfig struct {
	ExaBaseURL     string
	ExaAPIKey      string
	WolframBaseURL string
	WolframAppID   string
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the streaming endpoints.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		SessionTTL:      getEnvDuration("SESSION_TTL", 60*time.Minute),
		ToolRenderDelay: getEnvDuration("TOOL_RENDER_DELAY", 0),
		Persistence: PersistenceConfig{
			Backend:       strings.ToLower(getEnv("PERSISTENCE_BACKEND", "sqlite")),
			DBPath:        getEnv("DB_PATH", "./data/stockchat.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Model: ModelConfig{
			Provider:     strings.ToLower(getEnv("MODEL_PROVIDER", "openai")),
			BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.naga.ac/v1"),
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			GRPCAddr:     getEnv("MODEL_GRPC_ADDR", "localhost:50051"),
			ProfilesPath: getEnv("MODEL_PROFILES_PATH", ""),
		},
		Knowledge: KnowledgeConfig{
			ExaBaseURL:     getEnv("EXA_BASE_URL", "https://api.exa.ai"),
			ExaAPIKey:      getEnv("EXA_API_KEY", ""),
			WolframBaseURL: getEnv("WOLFRAM_BASE_URL", "https://www.wolframalpha.com/api/v1/llm-api"),
			WolframAppID:   getEnv("WOLFRAM_APP_ID", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.ToolRenderDelay < 0 {
		return fmt.Errorf("TOOL_RENDER_DELAY cannot be negative")
	}
	switch c.Persistence.Backend {
	case "sqlite":
		if c.Persistence.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "redis":
		if c.Persistence.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case "none":
	default:
		return fmt.Errorf("PERSISTENCE_BACKEND must be sqlite, redis or none, got %q", c.Persistence.Backend)
	}
	switch c.Model.Provider {
	case "openai":
		if c.Model.BaseURL == "" {
			return fmt.Errorf("OPENAI_BASE_URL cannot be empty")
		}
	case "grpc":
		if c.Model.GRPCAddr == "" {
			return fmt.Errorf("MODEL_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("MODEL_PROVIDER must be openai or grpc, got %q", c.Model.Provider)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
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
