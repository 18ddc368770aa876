// Package config loads the sync configuration from ~/.crm-sync-config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Defaults used when the config file is missing or fields are absent.
const (
	DefaultAPIURL       = "http://localhost:3001"
	DefaultLookbackDays = 365
	DefaultRegion       = "US"
)

// Config is the sync configuration.
type Config struct {
	APIURL                string `json:"api_url"`
	APIKey                string `json:"api_key"`
	InitialLookbackDays   int    `json:"initial_lookback_days"`
	CreateUnknownContacts bool   `json:"create_unknown_contacts"`
	DefaultRegion         string `json:"default_region"`
}

// Path returns the config file location. CRMSYNC_CONFIG overrides it
// (useful for tests and portable installs).
func Path() (string, error) {
	if override := os.Getenv("CRMSYNC_CONFIG"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".crm-sync-config.json"), nil
}

func defaults() *Config {
	return &Config{
		APIURL:                DefaultAPIURL,
		APIKey:                "",
		InitialLookbackDays:   DefaultLookbackDays,
		CreateUnknownContacts: true,
		DefaultRegion:         DefaultRegion,
	}
}

// Load reads the config file. A missing file is not an error: defaults
// are written out so the user has something to edit.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			if err := cfg.Save(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.InitialLookbackDays <= 0 {
		cfg.InitialLookbackDays = DefaultLookbackDays
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = DefaultRegion
	}

	return cfg, nil
}

// Save writes the config to its file.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
