package main

import (
	"fmt"
	"net/url"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, secrets included")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage casechat configuration",
	Long:  "View or modify the casechat configuration stored in ~/.casechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration chat commands run with: the config file after .env and\n" +
		"CASECHAT_* overrides, with defaults filled in and tokens masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'casechat init <api-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(effectiveConfig(*cfg))
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		fmt.Printf("# %s with environment overrides, tokens masked\n", path)
		fmt.Print(string(data))
		return nil
	},
}

// effectiveConfig fills in the defaults chat commands fall back to and
// masks credentials.
func effectiveConfig(cfg Config) Config {
	if cfg.Realtime.Driver == "" {
		cfg.Realtime.Driver = "memory"
	}
	if cfg.Realtime.Driver == "nats" && cfg.Realtime.Bucket == "" {
		cfg.Realtime.Bucket = defaultBucket
	}
	if cfg.Default.Dedup == "" {
		cfg.Default.Dedup = "content"
	}
	if cfg.Default.Archive == "" && cfg.Default.APIURL != "" {
		cfg.Default.Archive = "api"
	}
	if cfg.Realtime.Token != "" {
		cfg.Realtime.Token = maskKey(cfg.Realtime.Token)
	}
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = maskKey(cfg.Auth.Token)
	}
	cfg.Database.URL = redactDSN(cfg.Database.URL)
	return cfg
}

// redactDSN hides the password of a connection URL.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func isSecretKey(key string) bool {
	return key == "auth.token" || key == "realtime.token" || key == "database.url"
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: casechat config set realtime.driver nats",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if isSecretKey(key) {
			shown = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
