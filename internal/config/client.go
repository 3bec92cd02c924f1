package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientConfig holds the lab client configuration.
type ClientConfig struct {
	APIURL         string
	Token          string
	LearnerID      string
	ExerciseID     string
	CourseID       string
	RequestTimeout time.Duration

	// AssistantURL defaults to the API host's /ws/assistant endpoint.
	AssistantURL           string
	AssistantMaxReconnect  int
	AssistantReconnectBase time.Duration
	AssistantReconnectMax  time.Duration

	StatusMaxReconnect  int
	StatusReconnectBase time.Duration
	StatusReconnectMax  time.Duration

	ContextExcerptLimit int
	NotebookPath        string
	NotebookMaxCells    int
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		APIURL:                 getEnv("LAB_API_URL", "http://localhost:8080"),
		Token:                  getEnv("LAB_TOKEN", ""),
		LearnerID:              getEnv("LAB_LEARNER_ID", ""),
		ExerciseID:             getEnv("LAB_EXERCISE_ID", ""),
		CourseID:               getEnv("LAB_COURSE_ID", ""),
		RequestTimeout:         getEnvDuration("LAB_REQUEST_TIMEOUT", 30*time.Second),
		AssistantURL:           getEnv("ASSISTANT_WS_URL", ""),
		AssistantMaxReconnect:  getEnvInt("ASSISTANT_MAX_RECONNECT", 5),
		AssistantReconnectBase: getEnvDuration("ASSISTANT_RECONNECT_BASE", time.Second),
		AssistantReconnectMax:  getEnvDuration("ASSISTANT_RECONNECT_MAX", 30*time.Second),
		StatusMaxReconnect:     getEnvInt("STATUS_MAX_RECONNECT", 10),
		StatusReconnectBase:    getEnvDuration("STATUS_RECONNECT_BASE", time.Second),
		StatusReconnectMax:     getEnvDuration("STATUS_RECONNECT_MAX", 30*time.Second),
		ContextExcerptLimit:    getEnvInt("CONTEXT_EXCERPT_LIMIT", 2000),
		NotebookPath:           getEnv("NOTEBOOK_PATH", ""),
		NotebookMaxCells:       getEnvInt("NOTEBOOK_MAX_CELLS", 3),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration. Learner and exercise ids may be
// supplied later by flags, so they are checked by RequireIdentity instead.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("LAB_API_URL must be an http(s) URL")
	}
	if c.AssistantURL != "" && !strings.HasPrefix(c.AssistantURL, "ws://") && !strings.HasPrefix(c.AssistantURL, "wss://") {
		return fmt.Errorf("ASSISTANT_WS_URL must be a ws(s) URL")
	}
	if c.AssistantMaxReconnect <= 0 {
		return fmt.Errorf("ASSISTANT_MAX_RECONNECT must be > 0")
	}
	if c.AssistantReconnectBase <= 0 || c.AssistantReconnectMax < c.AssistantReconnectBase {
		return fmt.Errorf("ASSISTANT_RECONNECT_BASE must be > 0 and <= ASSISTANT_RECONNECT_MAX")
	}
	if c.StatusMaxReconnect <= 0 {
		return fmt.Errorf("STATUS_MAX_RECONNECT must be > 0")
	}
	if c.StatusReconnectBase <= 0 || c.StatusReconnectMax < c.StatusReconnectBase {
		return fmt.Errorf("STATUS_RECONNECT_BASE must be > 0 and <= STATUS_RECONNECT_MAX")
	}
	if c.ContextExcerptLimit <= 0 {
		return fmt.Errorf("CONTEXT_EXCERPT_LIMIT must be > 0")
	}
	return nil
}

// RequireIdentity checks that the learner and exercise are known.
func (c *ClientConfig) RequireIdentity() error {
	if strings.TrimSpace(c.LearnerID) == "" {
		return fmt.Errorf("learner id is required (LAB_LEARNER_ID or --learner)")
	}
	if strings.TrimSpace(c.ExerciseID) == "" {
		return fmt.Errorf("exercise id is required (LAB_EXERCISE_ID or --exercise)")
	}
	return nil
}
