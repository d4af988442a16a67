// Command populate runs the populate engine against a MySQL-family
// database: resolving a target table's key source, computing its todo
// set, and invoking a registered make procedure under the Jobs
// Registry's at-most-once reservation protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datajoint/populate/internal/config"
)

var (
	configPath string
	dbHost     string
	dbPort     int
	dbUser     string
	dbPassword string
	dbName     string
	jsonOutput bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "populate",
	Short: "populate - distributed derived-table population engine",
	Long: `populate computes and fills a derived table from its upstream key
source, reserving each key in a Jobs Registry so that concurrent workers
never run the same make procedure on the same key twice.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded

		// Flags override config-file/env values, same precedence the
		// teacher's root command applies for its own persistent flags.
		if dbHost != "" {
			cfg.Host = dbHost
		}
		if dbPort != 0 {
			cfg.Port = dbPort
		}
		if dbUser != "" {
			cfg.User = dbUser
		}
		if dbPassword != "" {
			cfg.Password = dbPassword
		}
		if dbName != "" {
			cfg.Database = dbName
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a populate config.yaml")
	rootCmd.PersistentFlags().StringVar(&dbHost, "host", "", "database host (overrides config)")
	rootCmd.PersistentFlags().IntVar(&dbPort, "port", 0, "database port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbUser, "user", "", "database user (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPassword, "password", "", "database password (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbName, "database", "", "database/schema name (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "accepted but has no effect: every subcommand prints plain text")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ignoreCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
