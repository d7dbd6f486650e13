package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type InputConfig struct {
	// Press-duration thresholds distinguishing the three gestures.
	LongPressMs int `yaml:"long_press_ms,omitempty"`
	HoldMs      int `yaml:"hold_ms,omitempty"`
	// Control loop polling interval.
	PollMs int `yaml:"poll_ms,omitempty"`
}

type WebRecoveryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Retry    struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type Config struct {
	// Root is the filesystem the manifest protects.
	Root string `yaml:"root"`
	// SystemDir holds the manifest, flag store, slots, and logs.
	SystemDir string `yaml:"system_dir"`
	// RemovableDir is the removable-storage mount point, empty when the
	// device has none. Slot mirrors live under it when present.
	RemovableDir string `yaml:"removable_dir,omitempty"`

	AgePublicKey string `yaml:"age_public_key,omitempty"`

	Input       InputConfig       `yaml:"input,omitempty"`
	WebRecovery WebRecoveryConfig `yaml:"web_recovery,omitempty"`
	Mirror      MirrorConfig      `yaml:"mirror,omitempty"`
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.SystemDir == "" {
		return fmt.Errorf("system_dir is required")
	}
	if c.WebRecovery.Enabled && c.WebRecovery.URL == "" {
		return fmt.Errorf("web_recovery.url is required when web recovery is enabled")
	}
	if c.Mirror.Enabled {
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required when mirror is enabled")
		}
		if c.Mirror.Region == "" {
			return fmt.Errorf("mirror.region is required when mirror is enabled")
		}
		if c.AgePublicKey == "" {
			return fmt.Errorf("age_public_key is required when mirror is enabled")
		}
	}
	if c.AgePublicKey != "" && !strings.HasPrefix(c.AgePublicKey, "age1") {
		return fmt.Errorf("age_public_key must start with 'age1'")
	}
	return nil
}

func (c *Config) ManifestPath() string {
	return filepath.Join(c.SystemDir, "manifest.yaml")
}

func (c *Config) FlagStorePath() string {
	return filepath.Join(c.SystemDir, "flags.nvm")
}

func (c *Config) LogDir() string {
	return filepath.Join(c.SystemDir, "logs")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.SystemDir, "recovery.lock")
}

func (c *Config) WebTimeout() time.Duration {
	if c.WebRecovery.TimeoutSeconds > 0 {
		return time.Duration(c.WebRecovery.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

func (c *Config) LongPress() time.Duration {
	if c.Input.LongPressMs > 0 {
		return time.Duration(c.Input.LongPressMs) * time.Millisecond
	}
	return time.Second
}

func (c *Config) Hold() time.Duration {
	if c.Input.HoldMs > 0 {
		return time.Duration(c.Input.HoldMs) * time.Millisecond
	}
	return 2 * time.Second
}

func (c *Config) PollInterval() time.Duration {
	if c.Input.PollMs > 0 {
		return time.Duration(c.Input.PollMs) * time.Millisecond
	}
	return 10 * time.Millisecond
}

func (c *Config) MirrorRetryAttempts() int {
	if c.Mirror.Retry.MaxAttempts > 0 {
		return c.Mirror.Retry.MaxAttempts
	}
	return 3
}
