package cli

import (
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long: `Apply the embedded schema for DATABASE_DRIVER. SQLite applies an
idempotent schema; Postgres runs versioned golang-migrate migrations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.logger.Info("schema up to date", "driver", rt.cfg.DatabaseDriver)
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return formatter.Success(map[string]string{"driver": rt.cfg.DatabaseDriver}, "schema up to date\n")
		},
	}
}
