// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Decider selection values.
const (
	DeciderRule = "rule"
	DeciderLLM  = "llm"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	// TargetDBPath is the SQLite database the agent answers questions about.
	TargetDBPath string
	// StoreDBPath holds conversation state.
	StoreDBPath string

	Decider         string
	MaxSteps        int
	DefaultRowLimit int
	MaxRowLimit     int
	SampleRowCap    int
	ReadOnly        bool
	QueryTimeout    time.Duration

	LLM        LLMConfig
	Capability CapabilityConfig

	RateLimit RateLimitConfig
	SSE       SSEConfig
}

// LLMConfig selects and configures the completion capability.
type LLMConfig struct {
	Provider    string // "openai" or "ollama"
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Retries     int
}

// CapabilityConfig points at the OCR and speech-to-text collaborator services.
type CapabilityConfig struct {
	OCRBaseURL    string
	SpeechBaseURL string
	Timeout       time.Duration
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls streaming behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "9621"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		TargetDBPath: getEnv("TARGET_DB_PATH", "./data/target.db"),
		StoreDBPath:  getEnv("STORE_DB_PATH", "./data/conversations.db"),

		Decider:         strings.ToLower(getEnv("DECIDER", DeciderRule)),
		MaxSteps:        getEnvInt("MAX_STEPS", 12),
		DefaultRowLimit: getEnvInt("SQL_DEFAULT_LIMIT", 1000),
		MaxRowLimit:     getEnvInt("SQL_MAX_LIMIT", 5000),
		SampleRowCap:    getEnvInt("SAMPLE_ROW_CAP", 20),
		ReadOnly:        getEnvBool("SQL_READ_ONLY", true),
		QueryTimeout:    getEnvDuration("SQL_QUERY_TIMEOUT", 15*time.Second),

		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", "ollama")),
			BaseURL:     getEnv("LLM_BASE_URL", "http://127.0.0.1:11434"),
			Model:       getEnv("LLM_MODEL", "qwen2.5:7b"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 2000),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			Retries:     getEnvInt("LLM_RETRIES", 2),
		},
		Capability: CapabilityConfig{
			OCRBaseURL:    getEnv("OCR_BASE_URL", ""),
			SpeechBaseURL: getEnv("SPEECH_BASE_URL", ""),
			Timeout:       getEnvDuration("CAPABILITY_TIMEOUT", 30*time.Second),
		},

		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
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
	if c.TargetDBPath == "" {
		return fmt.Errorf("TARGET_DB_PATH cannot be empty")
	}
	if c.StoreDBPath == "" {
		return fmt.Errorf("STORE_DB_PATH cannot be empty")
	}
	if c.Decider != DeciderRule && c.Decider != DeciderLLM {
		return fmt.Errorf("DECIDER must be %q or %q, got %q", DeciderRule, DeciderLLM, c.Decider)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("MAX_STEPS must be > 0")
	}
	if c.DefaultRowLimit <= 0 {
		return fmt.Errorf("SQL_DEFAULT_LIMIT must be > 0")
	}
	if c.MaxRowLimit < c.DefaultRowLimit {
		return fmt.Errorf("SQL_MAX_LIMIT must be >= SQL_DEFAULT_LIMIT")
	}
	if c.Decider == DeciderLLM {
		if c.LLM.Provider != "openai" && c.LLM.Provider != "ollama" {
			return fmt.Errorf("LLM_PROVIDER must be \"openai\" or \"ollama\", got %q", c.LLM.Provider)
		}
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL cannot be empty when DECIDER=llm")
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("LLM_MODEL cannot be empty when DECIDER=llm")
		}
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
