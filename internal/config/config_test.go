package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obr_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return Load(path)
}

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := loadFrom(t, `
root: /
system_dir: /var/lib/obr
`)
	require.NoError(t, err)
	assert.Equal(t, "/", cfg.Root)
	assert.Equal(t, "/var/lib/obr", cfg.SystemDir)
	assert.Empty(t, cfg.RemovableDir)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := loadFrom(t, `
root: /srv/app
system_dir: /var/lib/obr
removable_dir: /mnt/sd
age_public_key: age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p
input:
  long_press_ms: 800
  hold_ms: 2500
  poll_ms: 5
web_recovery:
  enabled: true
  url: https://releases.example.net/recovery/factory.zip
  timeout_seconds: 60
mirror:
  enabled: true
  bucket: device-backups
  region: eu-west-1
  prefix: obr
  retry:
    max_attempts: 5
`)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/sd", cfg.RemovableDir)
	assert.Equal(t, 800*time.Millisecond, cfg.LongPress())
	assert.Equal(t, 2500*time.Millisecond, cfg.Hold())
	assert.Equal(t, 5*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 60*time.Second, cfg.WebTimeout())
	assert.Equal(t, 5, cfg.MirrorRetryAttempts())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing root", "system_dir: /var/lib/obr\n", "root is required"},
		{"missing system dir", "root: /\n", "system_dir is required"},
		{
			"web recovery without url",
			"root: /\nsystem_dir: /v\nweb_recovery:\n  enabled: true\n",
			"web_recovery.url",
		},
		{
			"mirror without bucket",
			"root: /\nsystem_dir: /v\nmirror:\n  enabled: true\n  region: eu-west-1\n",
			"mirror.bucket",
		},
		{
			"mirror without region",
			"root: /\nsystem_dir: /v\nmirror:\n  enabled: true\n  bucket: b\n",
			"mirror.region",
		},
		{
			"mirror without age key",
			"root: /\nsystem_dir: /v\nmirror:\n  enabled: true\n  bucket: b\n  region: r\n",
			"age_public_key",
		},
		{
			"malformed age key",
			"root: /\nsystem_dir: /v\nage_public_key: ssh-rsa AAAA\n",
			"age1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{Root: "/", SystemDir: "/var/lib/obr"}

	assert.Equal(t, time.Second, cfg.LongPress())
	assert.Equal(t, 2*time.Second, cfg.Hold())
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.WebTimeout())
	assert.Equal(t, 3, cfg.MirrorRetryAttempts())
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{Root: "/", SystemDir: "/var/lib/obr"}

	assert.Equal(t, "/var/lib/obr/manifest.yaml", cfg.ManifestPath())
	assert.Equal(t, "/var/lib/obr/flags.nvm", cfg.FlagStorePath())
	assert.Equal(t, "/var/lib/obr/logs", cfg.LogDir())
	assert.Equal(t, "/var/lib/obr/recovery.lock", cfg.LockPath())
}
