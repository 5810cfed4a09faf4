package config

import "time"

// CtlConfig holds defaults for relayctl; flags override them.
type CtlConfig struct {
	HubURL  string
	Token   string
	Timeout time.Duration
}

// LoadCtl reads relayctl defaults from environment variables.
func LoadCtl() *CtlConfig {
	loadDotEnv()
	return &CtlConfig{
		HubURL:  getEnvOrDefault("RELAYCTL_HUB_URL", "http://127.0.0.1:9988"),
		Token:   getEnvOrDefault("RELAYCTL_TOKEN", ""),
		Timeout: getEnvMSOrDefault("RELAYCTL_TIMEOUT_MS", 30000, 100),
	}
}
