// Package config loads bridge configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppName is the application directory and env prefix name.
const AppName = "threadbridge"

// Config holds the bridge's configuration.
type Config struct {
	// GuildID is the platform guild hosting the managed forum.
	GuildID string `mapstructure:"guild_id"`

	// Forum is the managed forum's id or name.
	Forum string `mapstructure:"forum"`

	// BotUserID is the bridge's own platform user, used by the forum
	// guard to recognize bot-owned threads.
	BotUserID string `mapstructure:"bot_user_id"`

	// MentionUserID is the single user allowed to be mentioned by
	// starter messages.
	MentionUserID string `mapstructure:"mention_user_id"`

	// TagMapPath points at the label→tag-id JSON file.
	TagMapPath string `mapstructure:"tag_map_path"`

	// Throttle is the minimum spacing between remote API calls.
	Throttle time.Duration `mapstructure:"throttle"`

	// ArchivedScanLimit caps archived-thread lookups.
	ArchivedScanLimit int `mapstructure:"archived_scan_limit"`

	// RetryDelay is the fixed backoff for sync retries.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// DisableFailureRetry turns off the run-level failure retry.
	DisableFailureRetry bool `mapstructure:"disable_failure_retry"`

	// FeedPort is the status feed port. Zero disables the feed.
	FeedPort int `mapstructure:"feed_port"`

	// LogFile, when set, routes logs through a rotating file.
	LogFile string `mapstructure:"log_file"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Forum:             "tasks",
		TagMapPath:        "tagmap.json",
		Throttle:          250 * time.Millisecond,
		ArchivedScanLimit: 50,
		RetryDelay:        30 * time.Second,
	}
}

// Load reads configuration from path, falling back to the default config
// file location and then to built-in defaults. A missing file keeps the
// defaults; a malformed file is an error. Environment variables prefixed
// THREADBRIDGE_ override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only surfaces keys viper already knows about, so every
	// key must be registered for env-only overrides to reach Unmarshal.
	v.SetDefault("guild_id", cfg.GuildID)
	v.SetDefault("forum", cfg.Forum)
	v.SetDefault("bot_user_id", cfg.BotUserID)
	v.SetDefault("mention_user_id", cfg.MentionUserID)
	v.SetDefault("tag_map_path", cfg.TagMapPath)
	v.SetDefault("throttle", cfg.Throttle)
	v.SetDefault("archived_scan_limit", cfg.ArchivedScanLimit)
	v.SetDefault("retry_delay", cfg.RetryDelay)
	v.SetDefault("disable_failure_retry", cfg.DisableFailureRetry)
	v.SetDefault("feed_port", cfg.FeedPort)
	v.SetDefault("log_file", cfg.LogFile)

	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigPath returns the default config file location. Uses
// XDG_CONFIG_HOME if set, otherwise $HOME/.config.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(AppName, "config.yaml")
	}
	return filepath.Join(home, ".config", AppName, "config.yaml")
}
