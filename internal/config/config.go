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
	GRPCPort    string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration
	LogLevel    string
	LogFormat   string

	LLM             LLMConfig
	Agent           AgentConfig
	Memory          MemoryConfig
	Tools           ToolsConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig configures the OpenRouter client and per-role models.
type LLMConfig struct {
	APIKey           string
	BaseURL          string
	DefaultModel     string
	ClassifierModel  string
	PlannerModel     string
	ReplannerModel   string
	FinalModel       string
	SummarizerModel  string
	FinalTemperature float32
	JSONMode         bool
	Timeout          time.Duration
	MaxAttempts      int
	AppName          string
	AppURL           string
}

// AgentConfig configures the graph controller.
type AgentConfig struct {
	MaxReplanCount int
	ToolTimeout    time.Duration
	PlannerFirst   bool
}

// MemoryConfig bounds per-session memory.
type MemoryConfig struct {
	RecentCapacity int
	RecentRetain   int
	SummaryWindow  int
}

// ToolsConfig configures the builtin tools and their backends.
type ToolsConfig struct {
	// Enabled is a glob allow-list such as "search_*,calculator"; empty allows all.
	Enabled           string
	OpenWeatherAPIKey string
	TavilyAPIKey      string
	WeaviateHost      string
	WeaviateScheme    string
	WeaviateClass     string
	SandboxImage      string
	SandboxRuntime    string
	SandboxEnabled    bool
	CacheTTL          time.Duration
	CacheMaxCost      int64
}

// RateLimitConfig controls per-user turn throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the streaming transport.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
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
	defaultModel := getEnv("DEFAULT_MODEL", "openai/gpt-4o-mini")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/pte.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 24*time.Hour),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		LLM: LLMConfig{
			APIKey:           getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:          getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			DefaultModel:     defaultModel,
			ClassifierModel:  getEnv("CLASSIFIER_MODEL", defaultModel),
			PlannerModel:     getEnv("PLANNER_MODEL", defaultModel),
			ReplannerModel:   getEnv("REPLANNER_MODEL", defaultModel),
			FinalModel:       getEnv("FINAL_MODEL", defaultModel),
			SummarizerModel:  getEnv("SUMMARIZER_MODEL", defaultModel),
			FinalTemperature: getEnvFloat("FINAL_TEMPERATURE", 0.7),
			JSONMode:         getEnvBool("LLM_JSON_MODE", true),
			Timeout:          getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			MaxAttempts:      getEnvInt("LLM_MAX_ATTEMPTS", 2),
			AppName:          getEnv("APP_NAME", "pte-agent"),
			AppURL:           getEnv("APP_URL", "http://localhost"),
		},
		Agent: AgentConfig{
			MaxReplanCount: getEnvInt("MAX_REPLAN_COUNT", 3),
			ToolTimeout:    getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			PlannerFirst:   getEnvBool("PLANNER_FIRST", false),
		},
		Memory: MemoryConfig{
			RecentCapacity: getEnvInt("MEMORY_RECENT_CAPACITY", 10),
			RecentRetain:   getEnvInt("MEMORY_RECENT_RETAIN", 5),
			SummaryWindow:  getEnvInt("MEMORY_SUMMARY_WINDOW", 3),
		},
		Tools: ToolsConfig{
			Enabled:           getEnv("TOOLS_ENABLED", ""),
			OpenWeatherAPIKey: getEnv("OPENWEATHER_API_KEY", ""),
			TavilyAPIKey:      getEnv("TAVILY_API_KEY", ""),
			WeaviateHost:      getEnv("WEAVIATE_HOST", ""),
			WeaviateScheme:    getEnv("WEAVIATE_SCHEME", "http"),
			WeaviateClass:     getEnv("WEAVIATE_CLASS", "Document"),
			SandboxImage:      getEnv("SANDBOX_IMAGE", "python:3.12-alpine"),
			SandboxRuntime:    getEnv("SANDBOX_RUNTIME", ""),
			SandboxEnabled:    getEnvBool("SANDBOX_ENABLED", true),
			CacheTTL:          getEnvDuration("TOOL_CACHE_TTL", 5*time.Minute),
			CacheMaxCost:      int64(getEnvInt("TOOL_CACHE_MAX_COST", 16<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.LLM.MaxAttempts <= 0 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be > 0")
	}
	if c.LLM.FinalTemperature < 0 || c.LLM.FinalTemperature > 2 {
		return fmt.Errorf("FINAL_TEMPERATURE must be between 0 and 2")
	}
	if c.Agent.MaxReplanCount < 0 {
		return fmt.Errorf("MAX_REPLAN_COUNT must be >= 0")
	}
	if c.Agent.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.Memory.RecentCapacity <= 0 {
		return fmt.Errorf("MEMORY_RECENT_CAPACITY must be > 0")
	}
	if c.Memory.RecentRetain <= 0 || c.Memory.RecentRetain > c.Memory.RecentCapacity {
		return fmt.Errorf("MEMORY_RECENT_RETAIN must be between 1 and MEMORY_RECENT_CAPACITY")
	}
	if c.Memory.SummaryWindow <= 0 {
		return fmt.Errorf("MEMORY_SUMMARY_WINDOW must be > 0")
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
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
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

// RequireLLM checks the settings needed to reach the model provider.
func (c *Config) RequireLLM() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

func getEnvFloat(key string, fallback float32) float32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
