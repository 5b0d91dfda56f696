package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultTokenEnv is the environment variable consulted for the GitHub
// token when the config does not name another one.
const DefaultTokenEnv = "GITHUB_TOKEN"

// Config represents the flat pipectl configuration
type Config struct {
	Version   string `json:"version"`
	Owner     string `json:"github_owner"`
	Repo      string `json:"github_repo"`
	TokenEnv  string `json:"token_env,omitempty"`  // env var holding the API token
	TagPrefix string `json:"tag_prefix,omitempty"` // prefix for projected phase tags
}

// Token resolves the GitHub token from the configured environment variable.
func (c *Config) Token() string {
	env := c.TokenEnv
	if env == "" {
		env = DefaultTokenEnv
	}
	return os.Getenv(env)
}

// LoadConfig reads .pipectl/config.json from the specified directory.
// Resolution order: cwd only (no home fallback).
// Returns error if no config found - caller should handle accordingly.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ".pipectl", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes config.json to directory
func SaveConfig(dir string, cfg *Config) error {
	pipeDir := filepath.Join(dir, ".pipectl")
	if err := os.MkdirAll(pipeDir, 0755); err != nil {
		return fmt.Errorf("failed to create .pipectl dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(pipeDir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
