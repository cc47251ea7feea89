package main

import (
	"fmt"

	"whatsbot/internal/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"), nil)
			if err != nil {
				return err
			}

			switch args[0] {
			case "version":
				version, dirty, err := migrations.Version(cfg.Database.Driver, cfg.Database.DSN)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
				return err
			case "up", "down":
				if err := migrations.Run(cfg.Database.Driver, cfg.Database.DSN, migrations.Direction(args[0])); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
				return err
			default:
				return fmt.Errorf("unknown migrate direction %q", args[0])
			}
		},
	}
	return cmd
}
