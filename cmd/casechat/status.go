package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	chatsync "github.com/frckbrice/patrick-travel-chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and check the case API, the database and the realtime store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  API URL:     %s\n", valueOrDefault(cfg.Default.APIURL, "(not set)"))
		fmt.Printf("  Archive:     %s\n", valueOrDefault(cfg.Default.Archive, "api"))
		fmt.Printf("  Dedup:       %s\n", valueOrDefault(cfg.Default.Dedup, "content"))
		fmt.Printf("  Realtime:    %s %s\n", valueOrDefault(cfg.Realtime.Driver, "memory"), cfg.Realtime.URL)
		if cfg.Database.URL != "" {
			fmt.Println("  Database:    configured")
		} else {
			fmt.Println("  Database:    (not set)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Durable ID:  %s\n", valueOrDefault(cfg.Auth.DurableUserID, "(not signed in)"))
		fmt.Printf("  Realtime ID: %s\n", valueOrDefault(cfg.Auth.RealtimeUserID, "(from gateway)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  API:         %s\n", checkAPI(ctx, cfg))
		fmt.Printf("  Database:    %s\n", checkDatabase(ctx, cfg))
		fmt.Printf("  Realtime:    %s\n", checkRealtime(ctx, cfg))
		return nil
	},
}

func checkAPI(ctx context.Context, cfg *Config) string {
	if cfg.Default.APIURL == "" {
		return "skipped"
	}
	identity := chatsync.NewStaticIdentity[chatsync.DurableUserID](chatsync.ErrNotAuthenticated)
	identity.Set(chatsync.DurableUserID(valueOrDefault(cfg.Auth.DurableUserID, "anonymous")), cfg.Auth.Token)
	client := chatsync.NewAPIClient(cfg.Default.APIURL, identity, chatsync.WithUserAgent("casechat"))
	if err := client.Health(ctx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func checkDatabase(ctx context.Context, cfg *Config) string {
	if cfg.Database.URL == "" {
		return "skipped"
	}
	pool, err := chatsync.ConnectPostgres(ctx, cfg.Database.URL, 1)
	if err != nil {
		return "error: " + err.Error()
	}
	pool.Close()
	return "ok"
}

func checkRealtime(ctx context.Context, cfg *Config) string {
	switch cfg.Realtime.Driver {
	case "", "memory":
		return "in-process store"
	case "nats":
		nc, err := nats.Connect(valueOrDefault(cfg.Realtime.URL, nats.DefaultURL), nats.Name("casechat-status"))
		if err != nil {
			return "error: " + err.Error()
		}
		defer nc.Close()
		if err := nc.FlushWithContext(ctx); err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("ok (server %s)", nc.ConnectedServerVersion())
	case "ws":
		ws := chatsync.NewWSStore(chatsync.WSConfig{
			URL:    cfg.Realtime.URL,
			Token:  valueOrDefault(cfg.Realtime.Token, cfg.Auth.Token),
			Logger: &logger,
		})
		defer ws.Close()
		if err := ws.Connect(ctx); err != nil {
			return "error: " + err.Error()
		}
		if err := ws.Ping(ctx); err != nil {
			return "error: " + err.Error()
		}
		creds, err := ws.Identity().Current(ctx)
		if err != nil {
			return "connected, " + err.Error()
		}
		return fmt.Sprintf("ok (authenticated as %s)", creds.UserID)
	default:
		return fmt.Sprintf("unknown driver %q", cfg.Realtime.Driver)
	}
}
