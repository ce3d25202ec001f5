package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// MailConfig holds the IMAP endpoint and folder selection for one mailbox.
type MailConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty in the config file; the worker then
	// falls back to the OS keyring entry for Username.
	Password string `mapstructure:"password" yaml:"password"`

	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Folders to enumerate. Folders that do not exist on the server are
	// silently skipped, which lets one list cover localized Sent names.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// Since is the cutoff date (YYYY-MM-DD); messages sent before it are
	// ignored entirely.
	Since string `mapstructure:"since" yaml:"since"`
}

// SinceTime parses the cutoff date. An unset value falls back to the
// default cutoff.
func (c MailConfig) SinceTime() (time.Time, error) {
	if c.Since == "" {
		return time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", c.Since)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing since date %q: %w", c.Since, err)
	}
	return t, nil
}

// CacheConfig holds the Redis connection settings for the dedup cache.
type CacheConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// SpamConfig holds the spamd scorer settings.
type SpamConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`

	// Threshold is the legitimacy threshold: messages scoring below it
	// are quarantined, at or above it they are delivered. Higher score
	// means more confidently legitimate for this scoring engine.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// PipelineConfig holds fetch concurrency and retry settings.
type PipelineConfig struct {
	Workers         int `mapstructure:"workers" yaml:"workers"`
	RetryAttempts   int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelaySec   int `mapstructure:"retry_delay_sec" yaml:"retry_delay_sec"`
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// StoreConfig holds the local persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mail     MailConfig     `mapstructure:"mail" yaml:"mail"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Spam     SpamConfig     `mapstructure:"spam" yaml:"spam"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Mail: MailConfig{
			Port: "993",
			TLS:  true,
			Folders: []string{
				"INBOX", "Sent", "Отправленные", "[Gmail]/Sent Mail",
			},
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
		},
		Spam: SpamConfig{
			Addr:      "localhost:783",
			Threshold: 9.0,
		},
		Pipeline: PipelineConfig{
			Workers:         15,
			RetryAttempts:   3,
			RetryDelaySec:   2,
			FetchTimeoutSec: 60,
		},
		Store: StoreConfig{
			Path: filepath.Join(filepath.Dir(DefaultConfigPath()), "mail.db"),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("mail.port", "993")
	v.SetDefault("mail.tls", true)
	v.SetDefault("mail.folders", []string{
		"INBOX", "Sent", "Отправленные", "[Gmail]/Sent Mail",
	})
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("spam.addr", "localhost:783")
	v.SetDefault("spam.threshold", 9.0)
	v.SetDefault("pipeline.workers", 15)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_delay_sec", 2)
	v.SetDefault("pipeline.fetch_timeout_sec", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultAppConfig().Store.Path
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mail", cfg.Mail)
	v.Set("cache", cfg.Cache)
	v.Set("spam", cfg.Spam)
	v.Set("pipeline", cfg.Pipeline)
	v.Set("store", cfg.Store)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
