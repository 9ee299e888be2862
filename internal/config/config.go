// Package config loads engine configuration from file, environment, and
// defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the engine needs to run.
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	APIKey    string `mapstructure:"api_key"`

	UserID        string `mapstructure:"user_id"`
	UserName      string `mapstructure:"user_name"`
	Authenticated bool   `mapstructure:"authenticated"`

	CharacterID string `mapstructure:"character_id"`

	MessagePageSize int `mapstructure:"message_page_size"`
	SessionPageSize int `mapstructure:"session_page_size"`

	PendingShowDelay time.Duration `mapstructure:"pending_show_delay"`
	PendingMinHold   time.Duration `mapstructure:"pending_min_hold"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from ~/.charchat/config.yaml (if present) and
// CHARCHAT_* environment variables, over built-in defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_url", "http://localhost:8600")
	v.SetDefault("user_id", "local")
	v.SetDefault("user_name", "You")
	v.SetDefault("authenticated", false)
	v.SetDefault("message_page_size", 40)
	v.SetDefault("session_page_size", 20)
	v.SetDefault("pending_show_delay", 200*time.Millisecond)
	v.SetDefault("pending_min_hold", 350*time.Millisecond)
	v.SetDefault("log_level", "")

	v.SetEnvPrefix("CHARCHAT")
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".charchat"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
