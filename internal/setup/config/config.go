package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
)

// CurrentVersion is the config file version this build understands.
const CurrentVersion = 1

// envPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: WARDEN_GUARD__VERIFIED_ROLE_NAME maps to
// guard.verified_role_name.
const envPrefix = "WARDEN_"

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int            `koanf:"version"`
	Bot        BotConfig      `koanf:"bot"`
	Guard      GuardConfig    `koanf:"guard"`
	Messages   MessagesConfig `koanf:"messages"`
	PostgreSQL PostgreSQL     `koanf:"postgresql"`
	Debug      Debug          `koanf:"debug"`
}

// BotConfig contains the Discord connection configuration.
type BotConfig struct {
	// Bot token used to authenticate with the gateway.
	Token string `koanf:"token"`
	// Presence status text, empty for none.
	Status string `koanf:"status"`
}

// GuardConfig contains the gatekeeper policy configuration.
type GuardConfig struct {
	// Channel ID for welcome and goodbye announcements. Zero disables them.
	AnnouncementChannelID uint64 `koanf:"announcement_channel_id"`
	// Name of the role that marks a member as verified.
	VerifiedRoleName string `koanf:"verified_role_name"`
	// Seconds a member has to gain the verified role before being kicked.
	VerificationTimeoutSeconds int `koanf:"verification_timeout_seconds"`
	// Minimum account age in days to stay after joining.
	MinAccountAgeDays int `koanf:"min_account_age_days"`
	// Fallback catch-up window in seconds when no liveness marker exists.
	CatchupFallbackSeconds int `koanf:"catchup_fallback_seconds"`
}

// MessagesConfig contains the announcement templates.
type MessagesConfig struct {
	// Welcome recognizes {member_mention}, {guild_name}, {specific_channel_mention}.
	Welcome string `koanf:"welcome"`
	// WelcomeBatch recognizes {member_mentions_list}, {guild_name}.
	WelcomeBatch string `koanf:"welcome_batch"`
	// Goodbye recognizes {member_name}, {guild_name}.
	Goodbye string `koanf:"goodbye"`
	// GoodbyeBatch recognizes {member_names_list}, {guild_name}.
	GoodbyeBatch string `koanf:"goodbye_batch"`
	// Optional channel name resolved into {specific_channel_mention}.
	MentionChannelName string `koanf:"mention_channel_name"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	// Database hostname.
	Host string `koanf:"host"`
	// Database port.
	Port int `koanf:"port"`
	// Database username.
	User string `koanf:"user"`
	// Database password.
	Password string `koanf:"password"`
	// Database name.
	DBName string `koanf:"db_name"`
	// Maximum open connections.
	MaxOpenConns int `koanf:"max_open_conns"`
	// Maximum idle connections.
	MaxIdleConns int `koanf:"max_idle_conns"`
	// Connection lifetime in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	// Idle timeout in minutes.
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
}

// defaultConfig returns the configuration defaults applied before any file
// or environment values.
func defaultConfig() Config {
	return Config{
		Version: CurrentVersion,
		Guard: GuardConfig{
			VerifiedRoleName:           "verified",
			VerificationTimeoutSeconds: 600,
			MinAccountAgeDays:          90,
			CatchupFallbackSeconds:     86400,
		},
		Messages: MessagesConfig{
			Welcome:      "Welcome {member_mention} to {guild_name}!",
			WelcomeBatch: "Welcome {member_mentions_list} to {guild_name}!",
			Goodbye:      "{member_name} just left {guild_name}.",
			GoodbyeBatch: "{member_names_list} just left {guild_name}.",
		},
		PostgreSQL: PostgreSQL{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			DBName:       "warden",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30,
			MaxIdleTime:  10,
		},
		Debug: Debug{
			LogLevel:      "info",
			MaxLogsToKeep: 10,
		},
	}
}

// LoadConfig loads warden.toml from the search paths, layers environment
// overrides on top, and validates the config version. The file is optional:
// a deployment may configure everything through the environment.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	// List search paths
	configPaths := []string{
		".warden",
		homeDir + "/.warden/config",
		"/etc/warden/config",
		"/app/config",
		"config",
		".",
	}

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := path + "/warden.toml"
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	// Environment values override file values
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, "", fmt.Errorf("error loading environment config: %w", err)
	}

	config := defaultConfig()
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Version only matters when a file supplied it
	if usedConfigPath != "" {
		if err := checkConfigVersion(config.Version); err != nil {
			return nil, "", err
		}
	}

	return &config, usedConfigPath, nil
}

// envKeyMapper converts WARDEN_SECTION__KEY_NAME into section.key_name.
func envKeyMapper(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

// checkConfigVersion validates the version of the config file.
func checkConfigVersion(version int) error {
	if version == 0 {
		return ErrConfigVersionMissing
	}

	if version != CurrentVersion {
		return fmt.Errorf("%w: found version %d, expected version %d",
			ErrConfigVersionMismatch, version, CurrentVersion)
	}

	return nil
}
