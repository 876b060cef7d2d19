package cli

import (
	"github.com/dbplane/dbplane/internal/logging"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "dbplane",
	Short: "Declarative database cluster provisioning",
	Long: `dbplane provisions a managed relational database cluster and its
supporting identities from a single Pkl configuration record.

A planning pass composes the cluster, monitoring role, log groups and
role associations into a resource set, diffs it against recorded state,
and an apply pass converges the differences in dependency order.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(versionCmd)
}
