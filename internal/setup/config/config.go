package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
)

// CurrentVersion of the config file format.
const CurrentVersion = 1

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	Redis      Redis      `koanf:"redis"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Moderation Moderation `koanf:"moderation"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// PostgreSQL contains database connection configuration for the archive store.
type PostgreSQL struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	DBName       string `koanf:"db_name"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	MaxLifetime  int    `koanf:"max_lifetime"`
	MaxIdleTime  int    `koanf:"max_idle_time"`
}

// Moderation contains session and moderation policy configuration.
type Moderation struct {
	// Hosts whose links are accepted as identity submissions.
	LinkHosts []string `koanf:"link_hosts"`
	// Reject a user's second submission instead of accepting it.
	OneLinkPerUser bool `koanf:"one_link_per_user"`
	// Store operation timeout in milliseconds.
	StoreTimeout int `koanf:"store_timeout"`
	// In-process cache TTL in seconds.
	CacheTTL int `koanf:"cache_ttl"`
	// Admin membership cache TTL in seconds.
	AdminCacheTTL int `koanf:"admin_cache_ttl"`
	// How long tracked bot messages stay eligible for cleanup, in seconds.
	TrackedMessageTTL int `koanf:"tracked_message_ttl"`
}

// LoadConfig loads the configuration from the first config.toml found in the
// search paths and returns it along with the path that was used.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	// List search paths
	configPaths := []string{
		".groupwarden",
		homeDir + "/.groupwarden/config",
		"/etc/groupwarden/config",
		"/app/config",
		"config",
		".",
	}

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := path + "/config.toml"
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: config.toml", ErrConfigFileNotFound)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Version == 0 {
		return nil, "", ErrConfigVersionMissing
	}

	if config.Version != CurrentVersion {
		return nil, "", fmt.Errorf("%w: expected version %d, got %d",
			ErrConfigVersionMismatch, CurrentVersion, config.Version)
	}

	return &config, usedConfigPath, nil
}
