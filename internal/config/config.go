// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	BridgeURL        string
	AgentJoinTimeout time.Duration
	SendAckTimeout   time.Duration
	AgentHealth      AgentHealthConfig
	Archive          ArchiveConfig
	RateLimit        RateLimitConfig
	ConversationLog  ConversationLogConfig
	MetricsNamespace string
	App              AppConfig
}

// AgentHealthConfig controls the agent worker health probe.
type AgentHealthConfig struct {
	Addr         string
	Service      string
	StartupWait  time.Duration
	ProbeTimeout time.Duration
}

// ArchiveConfig controls session archive retention.
type ArchiveConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig limits chat sends per session.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// AppConfig is the presentational configuration served to the UI.
type AppConfig struct {
	CompanyName       string `json:"company_name"`
	PageTitle         string `json:"page_title"`
	StartButtonText   string `json:"start_button_text"`
	AgentName         string `json:"agent_name,omitempty"`
	SupportsChatInput bool   `json:"supports_chat_input"`
	SupportsVideo     bool   `json:"supports_video_input"`
	SupportsScreen    bool   `json:"supports_screen_share"`
	PreConnectBuffer  bool   `json:"pre_connect_buffer"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/voice-console.db"),
		BridgeURL:        getEnv("BRIDGE_URL", "ws://localhost:7881/bridge"),
		AgentJoinTimeout: getEnvDuration("AGENT_JOIN_TIMEOUT", 20*time.Second),
		SendAckTimeout:   getEnvDuration("SEND_ACK_TIMEOUT", 5*time.Second),
		AgentHealth: AgentHealthConfig{
			Addr:         getEnv("AGENT_HEALTH_ADDR", ""),
			Service:      getEnv("AGENT_HEALTH_SERVICE", ""),
			StartupWait:  getEnvDuration("AGENT_HEALTH_STARTUP_WAIT", 5*time.Second),
			ProbeTimeout: getEnvDuration("AGENT_HEALTH_PROBE_TIMEOUT", 3*time.Second),
		},
		Archive: ArchiveConfig{
			Retention:     getEnvDuration("ARCHIVE_RETENTION", 7*24*time.Hour),
			SweepInterval: getEnvDuration("ARCHIVE_SWEEP_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("CHAT_RATE_LIMIT", 20),
			WindowDuration:    getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "voice_console"),
		App: AppConfig{
			CompanyName:       getEnv("APP_COMPANY_NAME", "Kaira"),
			PageTitle:         getEnv("APP_PAGE_TITLE", "Kaira Voice Agent"),
			StartButtonText:   getEnv("APP_START_BUTTON_TEXT", "Start talking"),
			AgentName:         getEnv("AGENT_NAME", ""),
			SupportsChatInput: getEnvBool("SUPPORTS_CHAT_INPUT", true),
			SupportsVideo:     getEnvBool("SUPPORTS_VIDEO_INPUT", true),
			SupportsScreen:    getEnvBool("SUPPORTS_SCREEN_SHARE", true),
			PreConnectBuffer:  getEnvBool("PRE_CONNECT_BUFFER_ENABLED", true),
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
	if c.BridgeURL == "" {
		return fmt.Errorf("BRIDGE_URL cannot be empty")
	}
	u, err := url.Parse(c.BridgeURL)
	if err != nil {
		return fmt.Errorf("BRIDGE_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("BRIDGE_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if c.AgentJoinTimeout <= 0 {
		return fmt.Errorf("AGENT_JOIN_TIMEOUT must be > 0")
	}
	if c.SendAckTimeout <= 0 {
		return fmt.Errorf("SEND_ACK_TIMEOUT must be > 0")
	}
	if c.Archive.Retention <= 0 {
		return fmt.Errorf("ARCHIVE_RETENTION must be > 0")
	}
	if c.Archive.SweepInterval <= 0 {
		return fmt.Errorf("ARCHIVE_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("CHAT_RATE_WINDOW must be > 0")
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
	if c.MetricsNamespace == "" {
		return fmt.Errorf("METRICS_NAMESPACE cannot be empty")
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

// getEnvDuration accepts Go durations ("20s") or a bare number of seconds.
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
