package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AgentConfig holds configuration for the browser agent.
type AgentConfig struct {
	HubURL string
	Token  string

	CDPAddress    string
	CDPPort       int
	LaunchBrowser bool
	Headless      bool
	BrowserPath   string
	ProfileDir    string

	BindAddr        string
	StartupTabsFile string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	RetryInterval    time.Duration
	RetryMax         time.Duration
	ReplacedPoll     time.Duration
	CommandTimeout   time.Duration
	RuntimeSettle    time.Duration
	ChunkBufferBytes int

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()
	cfg := &AgentConfig{
		HubURL:           strings.TrimRight(getEnvOrDefault("AGENT_HUB_URL", "http://127.0.0.1:9988"), "/"),
		Token:            getEnvOrDefault("AGENT_TOKEN", ""),
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:    getEnvBoolOrDefault("AGENT_LAUNCH_BROWSER", false),
		Headless:         getEnvBoolOrDefault("AGENT_BROWSER_HEADLESS", false),
		BrowserPath:      getEnvOrDefault("AGENT_BROWSER_PATH", ""),
		ProfileDir:       getEnvOrDefault("AGENT_BROWSER_PROFILE_DIR", "./browser_profile"),
		BindAddr:         getEnvOrDefault("AGENT_BIND_ADDR", "127.0.0.1:9989"),
		StartupTabsFile:  getEnvOrDefault("AGENT_STARTUP_TABS_FILE", ""),
		HandshakeTimeout: getEnvMSOrDefault("AGENT_HANDSHAKE_TIMEOUT_MS", 15000, 1000),
		DialTimeout:      getEnvMSOrDefault("AGENT_DIAL_TIMEOUT_MS", 5000, 100),
		RetryInterval:    getEnvMSOrDefault("AGENT_RETRY_INTERVAL_MS", 1000, 50),
		RetryMax:         getEnvMSOrDefault("AGENT_RETRY_MAX_MS", 30000, 50),
		ReplacedPoll:     getEnvMSOrDefault("AGENT_REPLACED_POLL_MS", 2000, 50),
		CommandTimeout:   getEnvMSOrDefault("AGENT_COMMAND_TIMEOUT_MS", 30000, 1000),
		RuntimeSettle:    getEnvMSOrDefault("AGENT_RUNTIME_SETTLE_MS", 50, 0),
		ChunkBufferBytes: getEnvIntOrDefault("AGENT_CHUNK_BUFFER_MB", 64) << 20,
		LogLevel:         logLevel("AGENT_LOG_LEVEL"),
		LogFile:          getEnvOrDefault("AGENT_LOG_FILE", "logs/browser_agent.log"),
	}
	if cfg.DialTimeout >= cfg.HandshakeTimeout {
		return nil, fmt.Errorf("AGENT_DIAL_TIMEOUT_MS (%v) must be shorter than AGENT_HANDSHAKE_TIMEOUT_MS (%v)", cfg.DialTimeout, cfg.HandshakeTimeout)
	}
	if cfg.RetryMax < cfg.RetryInterval {
		cfg.RetryMax = cfg.RetryInterval
	}
	if _, err := url.Parse(cfg.HubURL); err != nil {
		return nil, fmt.Errorf("AGENT_HUB_URL: %w", err)
	}
	return cfg, nil
}

// CDPURL returns the DevTools HTTP endpoint of the controlled browser.
func (c *AgentConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// AgentWSURL returns the hub's agent WebSocket endpoint.
func (c *AgentConfig) AgentWSURL() string {
	return WSURL(c.HubURL, "/extension")
}

// StatusURL returns the hub's liveness endpoint.
func (c *AgentConfig) StatusURL() string {
	return HTTPURL(c.HubURL) + "/status"
}

// WSURL converts an http(s) or ws(s) base into a ws(s) URL for path.
func WSURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// HTTPURL converts a ws(s) or http(s) base into an http(s) base.
func HTTPURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
