package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("SNAPVAULT_PASSWORD", "")
	t.Setenv(LegacyPasswordEnv, "")

	c, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPassword, c.Password)
	assert.True(t, c.DefaultPasswordInUse)
	assert.Equal(t, "./backups", c.BackupDir)
	assert.Equal(t, 4, c.ReadConcurrency)
	assert.Equal(t, 30*time.Second, c.LockTimeout)
}

func TestPasswordFromEnv(t *testing.T) {
	t.Setenv("SNAPVAULT_PASSWORD", "")
	t.Setenv(LegacyPasswordEnv, "legacy-secret")

	c, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "legacy-secret", c.Password)
	assert.False(t, c.DefaultPasswordInUse)

	t.Setenv("SNAPVAULT_PASSWORD", "new-secret")
	c, err = Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "new-secret", c.Password)
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snapvault.yaml")
	require.NoError(t, os.WriteFile(file, []byte("backup-dir: /srv/backups\nread-concurrency: 2\nlog-format: console\n"), 0o600))

	c, err := Load(NewViper(), file)
	require.NoError(t, err)
	assert.Equal(t, "/srv/backups", c.BackupDir)
	assert.Equal(t, 2, c.ReadConcurrency)

	logger, err := c.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestValidate(t *testing.T) {
	base := Config{
		BackupDir:       "b",
		Database:        "d",
		LogLevel:        "info",
		LogFormat:       "json",
		ReadConcurrency: 1,
	}
	require.NoError(t, base.Validate())

	for name, mutate := range map[string]func(*Config){
		"concurrency": func(c *Config) { c.ReadConcurrency = 0 },
		"token pair":  func(c *Config) { c.AdminTokenHash = "abc" },
		"log level":   func(c *Config) { c.LogLevel = "loud" },
		"log format":  func(c *Config) { c.LogFormat = "xml" },
		"backup dir":  func(c *Config) { c.BackupDir = "" },
	} {
		c := base
		mutate(&c)
		assert.True(t, errors.Is(c.Validate(), errors.NotValid), name)
	}
}
