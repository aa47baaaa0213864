// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"codepunk/internal/checkpoint"
	"codepunk/internal/gitsession"
)

// Config is the process-wide configuration, loaded once at startup from
// ~/.codepunk/config.yaml. Missing file or missing keys fall back to
// defaults.
type Config struct {
	Checkpointing checkpoint.Options `yaml:"checkpointing"`
	GitSession    gitsession.Options `yaml:"git_session"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Checkpointing: checkpoint.DefaultOptions(),
		GitSession:    gitsession.DefaultOptions(),
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".codepunk", "config.yaml")
}

// Load reads the config file at path, layering it over the defaults. A
// missing file is not an error; the root directory is created either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil {
				return nil, fmt.Errorf("create config dir: %w", mkErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in zero-valued paths and bounds a file may have left
// out.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Checkpointing.CheckpointDirectory == "" {
		c.Checkpointing.CheckpointDirectory = defaults.Checkpointing.CheckpointDirectory
	}
	if c.Checkpointing.MaxCheckpoints <= 0 {
		c.Checkpointing.MaxCheckpoints = defaults.Checkpointing.MaxCheckpoints
	}

	if c.GitSession.BranchPrefix == "" {
		c.GitSession.BranchPrefix = defaults.GitSession.BranchPrefix
	}
	if c.GitSession.WorktreeBasePath == "" {
		c.GitSession.WorktreeBasePath = defaults.GitSession.WorktreeBasePath
	}
	if c.GitSession.SessionTimeoutMinutes <= 0 {
		c.GitSession.SessionTimeoutMinutes = defaults.GitSession.SessionTimeoutMinutes
	}
	if c.GitSession.StateStorePath == "" {
		c.GitSession.StateStorePath = defaults.GitSession.StateStorePath
	}
}
