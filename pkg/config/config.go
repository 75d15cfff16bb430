// Package config loads snapvault settings from flags, environment and an
// optional config file.
package config

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultPassword is used when no password is configured. Deployments must
// override it.
const DefaultPassword = "default-backup-password"

const (
	KeyPassword        = "password"
	KeyBackupDir       = "backup-dir"
	KeyDatabase        = "database"
	KeyListen          = "listen"
	KeyAdminTokenHash  = "admin-token-hash"
	KeyAdminTokenSalt  = "admin-token-salt"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyReadConcurrency = "read-concurrency"
	KeyLockTimeout     = "lock-timeout"

	EnvPrefix = "SNAPVAULT"
	// LegacyPasswordEnv is honoured for existing deployments.
	LegacyPasswordEnv = "BACKUP_ENCRYPTION_PASSWORD"
)

// Config is the resolved configuration.
type Config struct {
	Password string
	// DefaultPasswordInUse is set when Password fell back to DefaultPassword.
	DefaultPasswordInUse bool

	BackupDir       string
	Database        string
	Listen          string
	AdminTokenHash  string
	AdminTokenSalt  string
	LogLevel        string
	LogFormat       string
	ReadConcurrency int
	LockTimeout     time.Duration
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBackupDir, "./backups")
	v.SetDefault(KeyDatabase, "./inventory.db")
	v.SetDefault(KeyListen, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyReadConcurrency, 4)
	v.SetDefault(KeyLockTimeout, 30*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyPassword, EnvPrefix+"_PASSWORD", LegacyPasswordEnv)
	return v
}

// Load reads the config file named by file, when set, and resolves v.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Annotatef(err, "reading config %s", file)
		}
	}
	c := Config{
		Password:        v.GetString(KeyPassword),
		BackupDir:       v.GetString(KeyBackupDir),
		Database:        v.GetString(KeyDatabase),
		Listen:          v.GetString(KeyListen),
		AdminTokenHash:  v.GetString(KeyAdminTokenHash),
		AdminTokenSalt:  v.GetString(KeyAdminTokenSalt),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
		ReadConcurrency: v.GetInt(KeyReadConcurrency),
		LockTimeout:     v.GetDuration(KeyLockTimeout),
	}
	if c.Password == "" {
		c.Password = DefaultPassword
		c.DefaultPasswordInUse = true
	}
	return c, errors.Trace(c.Validate())
}

func (c Config) Validate() error {
	if c.BackupDir == "" {
		return errors.NotValidf("empty %s", KeyBackupDir)
	}
	if c.Database == "" {
		return errors.NotValidf("empty %s", KeyDatabase)
	}
	if c.ReadConcurrency < 1 {
		return errors.NotValidf("%s %d", KeyReadConcurrency, c.ReadConcurrency)
	}
	if c.LockTimeout < 0 {
		return errors.NotValidf("%s %v", KeyLockTimeout, c.LockTimeout)
	}
	if (c.AdminTokenHash == "") != (c.AdminTokenSalt == "") {
		return errors.NotValidf("%s and %s must be set together", KeyAdminTokenHash, KeyAdminTokenSalt)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.NotValidf("%s %q", KeyLogLevel, c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errors.NotValidf("%s %q", KeyLogFormat, c.LogFormat)
	}
	return nil
}

// Logger builds the process logger.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	return logger, errors.Trace(err)
}
