// Package cli implements vigilantctl, the operator tool for auditing threat
// ledgers and checking download filenames offline.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vigilantctl",
		Short: "Audit Vigilant threat ledgers",
		Long: `vigilantctl verifies exported threat ledgers, scores download
filenames with the agent's heuristics, and pulls ledgers from a running agent.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newVerifyCmd(), newScoreCmd(), newExportCmd())
	return root
}

// Execute runs the CLI
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		printError(root, "%v", err)
		os.Exit(1)
	}
}
