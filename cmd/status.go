package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	statusDbPath = "./data/badger"

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display local database status",
		Long:  `Display pooled operation and inclusion record counts from the local database of a stopped bundler`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()

			db, err := storage.NewWithPath(statusDbPath)
			if err != nil {
				fmt.Fprintf(out, "cannot open database at %s: %v\n", statusDbPath, err)
				fmt.Fprintf(out, "make sure the bundler is stopped and has run at least once\n")
				os.Exit(1)
			}
			defer db.Close()

			pooled, err := db.CountKeysByPrefix([]byte("pool:op:"))
			if err != nil {
				fmt.Fprintf(out, "cannot count pooled operations: %v\n", err)
				os.Exit(1)
			}
			included, err := db.CountKeysByPrefix([]byte("inc:"))
			if err != nil {
				fmt.Fprintf(out, "cannot count inclusion records: %v\n", err)
				os.Exit(1)
			}
			tracked, err := db.CountKeysByPrefix([]byte("rep:"))
			if err != nil {
				fmt.Fprintf(out, "cannot count reputation records: %v\n", err)
				os.Exit(1)
			}

			fmt.Fprintf(out, "database: %s\n", statusDbPath)
			fmt.Fprintf(out, "pooled operations:  %d\n", pooled)
			fmt.Fprintf(out, "included on chain:  %d\n", included)
			fmt.Fprintf(out, "tracked entities:   %d\n", tracked)
		},
	}
)

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db", "./data/badger", "path to the bundler badger database")
	rootCmd.AddCommand(statusCmd)
}
