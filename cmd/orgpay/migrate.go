package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/orgpay/internal/config"
	"github.com/R3E-Network/orgpay/internal/storage/postgres/migrations"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if dsn != "" {
				return nil
			}
			cfg, err := config.Load(config.Options{Path: flags.configPath, EnvFile: flags.envFile})
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("no database: set database.dsn, DATABASE_URL or --dsn")
			}
			dsn = cfg.Database.DSN
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (overrides the configuration)")

	withMigrator := func(fn func(*cobra.Command, *migrations.Migrator, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			m, err := migrations.NewMigrator(dsn)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (one step by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			if err := m.Down(steps); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m *migrations.Migrator, _ []string) error {
			return printVersion(cmd, m)
		}),
	})
	return cmd
}

func printVersion(cmd *cobra.Command, m *migrations.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", version, suffix)
	return nil
}
