// Command marathon-migrate applies the embedded schema_migrations set
// against the configured Postgres database. Idempotent: re-running against
// an up-to-date database is a no-op.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "marathon-migrate",
	Short: "Apply Marathon's Postgres schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.Flags().String("postgres-url", "", "Postgres DSN (falls back to $POSTGRES_URL)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})

	dsn, _ := cmd.Flags().GetString("postgres-url")
	if dsn == "" {
		dsn = os.Getenv("POSTGRES_URL")
	}
	if dsn == "" {
		return fmt.Errorf("marathon-migrate: --postgres-url or POSTGRES_URL must be set")
	}

	db, err := storage.Open(dsn, storage.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("marathon-migrate: %w", err)
	}
	defer db.Close()

	log.Info("applying schema migrations")
	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("marathon-migrate: %w", err)
	}
	log.Info("schema up to date")
	return nil
}
