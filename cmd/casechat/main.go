package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.casechat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Auth     ConfigAuth     `toml:"auth"`
	Database ConfigDatabase `toml:"database"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	APIURL      string `toml:"api_url"`
	Environment string `toml:"environment"`
	UserName    string `toml:"user_name"`
	// Archive selects the durable archive: "api" or "database".
	Archive string `toml:"archive"`
	// Dedup selects the optimistic match key: "content" or "client-key".
	Dedup string `toml:"dedup"`
}

// ConfigRealtime selects and configures the realtime store.
type ConfigRealtime struct {
	Driver string `toml:"driver"`
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
	Token  string `toml:"token"`
}

// ConfigAuth holds the signed-in identities.
type ConfigAuth struct {
	DurableUserID  string `toml:"durable_user_id"`
	RealtimeUserID string `toml:"realtime_user_id"`
	Token          string `toml:"token"`
}

// ConfigDatabase configures the case-management database.
type ConfigDatabase struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.casechat, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CASECHAT_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".casechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields the defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps CASECHAT_* variables to config keys.
var envKeys = map[string]string{
	"CASECHAT_API_URL":          "default.api_url",
	"CASECHAT_ENVIRONMENT":      "default.environment",
	"CASECHAT_USER_NAME":        "default.user_name",
	"CASECHAT_ARCHIVE":          "default.archive",
	"CASECHAT_DEDUP":            "default.dedup",
	"CASECHAT_REALTIME_DRIVER":  "realtime.driver",
	"CASECHAT_REALTIME_URL":     "realtime.url",
	"CASECHAT_REALTIME_BUCKET":  "realtime.bucket",
	"CASECHAT_REALTIME_TOKEN":   "realtime.token",
	"CASECHAT_DURABLE_USER_ID":  "auth.durable_user_id",
	"CASECHAT_REALTIME_USER_ID": "auth.realtime_user_id",
	"CASECHAT_TOKEN":            "auth.token",
	"CASECHAT_DATABASE_URL":     "database.url",
	"CASECHAT_DATABASE_CONNS":   "database.max_conns",
}

// applyEnv overrides config values with non-empty environment variables.
// Invalid values are ignored.
func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "realtime.driver").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. realtime.driver)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = value
		case "environment":
			cfg.Default.Environment = value
		case "user_name":
			cfg.Default.UserName = value
		case "archive":
			if value != "api" && value != "database" {
				return fmt.Errorf("default.archive must be api or database")
			}
			cfg.Default.Archive = value
		case "dedup":
			if value != "content" && value != "client-key" {
				return fmt.Errorf("default.dedup must be content or client-key")
			}
			cfg.Default.Dedup = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "driver":
			if value != "memory" && value != "nats" && value != "ws" {
				return fmt.Errorf("realtime.driver must be memory, nats or ws")
			}
			cfg.Realtime.Driver = value
		case "url":
			cfg.Realtime.URL = value
		case "bucket":
			cfg.Realtime.Bucket = value
		case "token":
			cfg.Realtime.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "auth":
		switch field {
		case "durable_user_id":
			cfg.Auth.DurableUserID = value
		case "realtime_user_id":
			cfg.Auth.RealtimeUserID = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "database":
		switch field {
		case "url":
			cfg.Database.URL = value
		case "max_conns":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil || n < 0 {
				return fmt.Errorf("database.max_conns must be a non-negative integer")
			}
			cfg.Database.MaxConns = int32(n)
		default:
			return fmt.Errorf("unknown field %q in section [database]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, auth, database)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logJSON  bool
	logLevel string
	logger   = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "casechat",
	Short: "Case chat client",
	Long:  "Command-line client for case conversations.\nFollow rooms, send messages, and check connectivity to the realtime store and case API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		if logJSON {
			logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().
				Timestamp().
				Logger()
		}
		logger = logger.Level(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
