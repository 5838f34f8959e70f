// Command orgpay runs the organization payment service and its maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "orgpay",
		Short:         "Organization payments over channels, chain settlement and a privacy pool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (default config/orgpay.yaml when present)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before the environment is read (default .env when present)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newMigrateCmd(flags))
	return root
}
