package cmd

import (
	"github.com/AvaProtocol/ap-bundler/bundler"

	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run bundler",
		Long: `Initialize and run the bundler node.

Use --config=path-to-your-config-file. default is=./config/bundler.yaml `,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bundler.RunWithConfig(config)
		},
	}
)

func init() {
	runCmd.Flags().StringVar(&config, "config", "./config/bundler.yaml", "path to bundler config file")
	rootCmd.AddCommand(runCmd)
}
