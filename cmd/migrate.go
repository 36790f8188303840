package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/firescrape/internal/config"
	"github.com/JakeFAU/firescrape/internal/logging"
	pgstore "github.com/JakeFAU/firescrape/internal/storage/postgres"
)

func newMigrateCmd(opts *options) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres run schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(pgstore.MigrateUp), string(pgstore.MigrateDown)},
		RunE: func(_ *cobra.Command, args []string) error {
			direction := pgstore.MigrateDirection(args[0])
			if direction != pgstore.MigrateUp && direction != pgstore.MigrateDown {
				return fmt.Errorf("unknown direction %q: want up or down", args[0])
			}
			db, err := config.LoadDatabase(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{Development: true})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			return pgstore.Migrate(db.DSN, direction, steps, logger.Named("migrate"))
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply; 0 means all")
	return cmd
}
