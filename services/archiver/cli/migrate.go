package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WiLGYSeF/stalk-sub000/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply pending schema migrations.

Reads the DSN from --postgres-dsn flag, ARCHIVER_POSTGRES_DSN env var, or config file.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return errors.New("postgres_dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	applied, err := postgres.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range applied {
		fmt.Fprintf(out, "applied %s\n", f)
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
		return nil
	}
	fmt.Fprintln(out, "migrations complete")
	return nil
}
