package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/bundler.yaml"
	rootCmd = &cobra.Command{
		Use:   "ap-bundler",
		Short: "Account abstraction bundler CLI",
		Long: `CLI to run and inspect an ERC-4337 bundler node.

Such as "ap-bundler run" to start bundling or "ap-bundler status" to inspect
the local database of a stopped node.
`,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", "config/bundler.yaml", "Path to config file")
}
