package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initDriver   string
	initRealtime string
)

func init() {
	initCmd.Flags().StringVar(&initDriver, "driver", "", "Realtime store driver (memory, nats, ws)")
	initCmd.Flags().StringVar(&initRealtime, "realtime-url", "", "Realtime store URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-url>",
	Short: "Store the case API URL in ~/.casechat/config.toml",
	Long:  "Initialize casechat by storing the case API URL and realtime store settings in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.APIURL = args[0]
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if initDriver != "" {
			if err := setConfigValue(cfg, "realtime.driver", initDriver); err != nil {
				return err
			}
		} else if cfg.Realtime.Driver == "" {
			cfg.Realtime.Driver = "ws"
		}
		if initRealtime != "" {
			cfg.Realtime.URL = initRealtime
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
