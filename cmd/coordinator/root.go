package main

import "github.com/spf13/cobra"

var (
	dryRun bool
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "POSSUM survey job coordinator",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run decision logic without publishing or mutating state")
}
