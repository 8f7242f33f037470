package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all reqchain configuration.
// Priority: flags > env vars (REQCHAIN_*) > settings.json > defaults.
type Config struct {
	DBPath               string        `mapstructure:"db_path" json:"db_path"`
	LogLevel             string        `mapstructure:"log_level" json:"log_level"`
	LogFormat            string        `mapstructure:"log_format" json:"log_format"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	MaxResponseBytes     int64         `mapstructure:"max_response_bytes" json:"max_response_bytes"`
	MaxRedirects         int           `mapstructure:"max_redirects" json:"max_redirects"`
	AllowPrivateNetworks bool          `mapstructure:"allow_private_networks" json:"allow_private_networks"`
	SchedulePollInterval time.Duration `mapstructure:"schedule_poll_interval" json:"schedule_poll_interval"`
	VaultKey             string        `mapstructure:"vault_key" json:"vault_key,omitempty"` // passphrase; empty disables secrets
}

func defaultConfig() Config {
	return Config{
		DBPath:               filepath.Join(reqchainDir(), "reqchain.db"),
		LogLevel:             "info",
		LogFormat:            "text",
		RequestTimeout:       30 * time.Second,
		MaxResponseBytes:     10 * 1024 * 1024,
		MaxRedirects:         5,
		SchedulePollInterval: time.Minute,
	}
}

func reqchainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reqchain"
	}
	return filepath.Join(home, ".reqchain")
}

func settingsPath() string {
	return filepath.Join(reqchainDir(), "settings.json")
}

// loadConfig layers defaults, the settings file (ignored if missing), and
// REQCHAIN_* env vars into v and decodes the result. Flags bound to v
// before the call win over everything else.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	def := defaultConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("max_response_bytes", def.MaxResponseBytes)
	v.SetDefault("max_redirects", def.MaxRedirects)
	v.SetDefault("allow_private_networks", def.AllowPrivateNetworks)
	v.SetDefault("schedule_poll_interval", def.SchedulePollInterval)
	v.SetDefault("vault_key", def.VaultKey)

	v.SetEnvPrefix("REQCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a restart of serve
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.LogFormat != new.LogFormat {
		d.RestartNeeded = append(d.RestartNeeded, "log_format")
	}
	if old.RequestTimeout != new.RequestTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "request_timeout")
	}
	if old.MaxResponseBytes != new.MaxResponseBytes {
		d.RestartNeeded = append(d.RestartNeeded, "max_response_bytes")
	}
	if old.MaxRedirects != new.MaxRedirects {
		d.RestartNeeded = append(d.RestartNeeded, "max_redirects")
	}
	if old.AllowPrivateNetworks != new.AllowPrivateNetworks {
		d.RestartNeeded = append(d.RestartNeeded, "allow_private_networks")
	}
	if old.SchedulePollInterval != new.SchedulePollInterval {
		d.RestartNeeded = append(d.RestartNeeded, "schedule_poll_interval")
	}
	if old.VaultKey != new.VaultKey {
		d.RestartNeeded = append(d.RestartNeeded, "vault_key")
	}
	return d
}
