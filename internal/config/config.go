// Package config provides application configuration for the sandbox server
// and the lab client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the sandbox server configuration.
type Config struct {
	Port                 string
	FrontendURL          string
	DBPath               string
	SessionTTL           time.Duration
	ContainerRuntime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
	SandboxImage         string
	SandboxWorkDir       string
	ExecTimeout          time.Duration
	ResourcePollInterval time.Duration
	AgentAddr            string
	APIToken             string // required as a bearer token when set
	AssistantRateLimit   int
	AssistantRateWindow  time.Duration
	ConversationLog      ConversationLogConfig
}

// ConversationLogConfig controls NDJSON logging of assistant conversations.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		FrontendURL:          getEnv("FRONTEND_URL", ""),
		DBPath:               getEnv("DB_PATH", "./data/labs.db"),
		SessionTTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
		ContainerRuntime:     getEnv("CONTAINER_RUNTIME", ""),
		SandboxImage:         getEnv("SANDBOX_IMAGE", "python:3.12-slim"),
		SandboxWorkDir:       getEnv("SANDBOX_WORKDIR", "/workspace"),
		ExecTimeout:          getEnvDuration("EXEC_TIMEOUT", 30*time.Second),
		ResourcePollInterval: getEnvDuration("RESOURCE_POLL_INTERVAL", 5*time.Second),
		AgentAddr:            getEnv("PYTHON_AGENT_ADDR", ""),
		APIToken:             getEnv("API_TOKEN", ""),
		AssistantRateLimit:   getEnvInt("ASSISTANT_RATE_LIMIT", 10),
		AssistantRateWindow:  getEnvDuration("ASSISTANT_RATE_WINDOW", time.Minute),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
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
	if c.SandboxImage == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if !strings.HasPrefix(c.SandboxWorkDir, "/") {
		return fmt.Errorf("SANDBOX_WORKDIR must be absolute")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.ResourcePollInterval <= 0 {
		return fmt.Errorf("RESOURCE_POLL_INTERVAL must be > 0")
	}
	if c.AssistantRateLimit <= 0 || c.AssistantRateWindow <= 0 {
		return fmt.Errorf("ASSISTANT_RATE_LIMIT and ASSISTANT_RATE_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AssistantEnabled reports whether a backend agent is configured.
func (c *Config) AssistantEnabled() bool {
	return c.AgentAddr != ""
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

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
