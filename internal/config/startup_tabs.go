package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StartupTab describes a tab the agent opens and attaches at startup.
type StartupTab struct {
	URL    string `yaml:"url"`
	Attach *bool  `yaml:"attach,omitempty"`
}

// ShouldAttach defaults to true.
func (t StartupTab) ShouldAttach() bool {
	return t.Attach == nil || *t.Attach
}

// StartupTabsConfig is the top-level YAML document.
type StartupTabsConfig struct {
	Tabs []StartupTab `yaml:"tabs"`
}

// LoadStartupTabs reads and validates a startup tabs YAML file. The returned
// error wraps os.ErrNotExist when the file is absent.
func LoadStartupTabs(path string) (*StartupTabsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup_tabs config: %w", err)
	}
	var cfg StartupTabsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup_tabs config: %w", err)
	}
	for i, t := range cfg.Tabs {
		if t.URL == "" {
			return nil, fmt.Errorf("startup_tabs config: tabs[%d] missing url", i)
		}
	}
	return &cfg, nil
}
