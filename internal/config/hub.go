package config

import (
	"time"

	"github.com/dgnsrekt/tab_relay/internal/netutil"
)

// HubConfig holds configuration for the relay hub.
type HubConfig struct {
	BindAddr         string
	BindFallback     []string
	AllowRemote      bool
	Token            string
	CommandTimeout   time.Duration
	StopTimeout      time.Duration
	PingInterval     time.Duration
	RecordingsDir    string
	JournalDir       string
	JournalMaxSizeMB int
	NotifyURL        string
	LogLevel         string
	LogFile          string
}

// LoadHub reads hub configuration from environment variables.
func LoadHub() (*HubConfig, error) {
	loadDotEnv()
	cfg := &HubConfig{
		BindAddr:         getEnvOrDefault("RELAY_BIND_ADDR", "127.0.0.1:9988"),
		AllowRemote:      getEnvBoolOrDefault("RELAY_ALLOW_REMOTE", false),
		Token:            getEnvOrDefault("RELAY_TOKEN", ""),
		CommandTimeout:   getEnvMSOrDefault("RELAY_COMMAND_TIMEOUT_MS", 30000, 1000),
		StopTimeout:      getEnvMSOrDefault("RELAY_STOP_TIMEOUT_MS", 30000, 1000),
		PingInterval:     getEnvMSOrDefault("RELAY_PING_INTERVAL_MS", 5000, 500),
		RecordingsDir:    getEnvOrDefault("RELAY_RECORDINGS_DIR", "./recordings"),
		JournalDir:       getEnvOrDefault("RELAY_JOURNAL_DIR", "./relay_data"),
		JournalMaxSizeMB: getEnvIntOrDefault("RELAY_JOURNAL_MAX_SIZE_MB", 50),
		NotifyURL:        getEnvOrDefault("RELAY_NOTIFY_URL", ""),
		LogLevel:         logLevel("RELAY_LOG_LEVEL"),
		LogFile:          getEnvOrDefault("RELAY_LOG_FILE", "logs/relay_hub.log"),
	}
	if getEnvBoolOrDefault("RELAY_BIND_AUTO_FALLBACK", false) {
		span := getEnvIntOrDefault("RELAY_BIND_FALLBACK_SPAN", netutil.HubFallbackSpan)
		fallback, err := netutil.FallbackAddrs(cfg.BindAddr, netutil.HubFallbackOffset, span)
		if err != nil {
			return nil, err
		}
		cfg.BindFallback = fallback
	}
	return cfg, nil
}
