package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wakeside/skipper/db"
	"github.com/wakeside/skipper/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return config.ErrMissingDatabaseURL
		}
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
