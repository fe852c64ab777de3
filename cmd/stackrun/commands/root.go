package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool

	// cliVersion is the build version, for telemetry service identification.
	cliVersion = "dev"
)

// ExitError carries a non-zero process exit code through cobra's error
// return: 2 when anything was blocked, 1 on failure.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackrun",
		Short: "stackrun - run-all orchestrator for infrastructure units",
		Long: `stackrun orchestrates a dependency graph of infrastructure units:
it plans every unit against its recorded state, gates each plan behind
policy evaluation, and applies in dependency order across isolated state
backends.

Features:
  - Unit declarations in CUE with schema validation
  - Per-unit state backends (SQLite, S3+DynamoDB) with locking and CAS writes
  - OPA/Rego policy gate with builtin and user policies
  - Read-only drift detection feeding the same policy gate
  - Bounded-concurrency run-all with per-unit terminal statuses
  - SQLite audit trail of runs, unit results, drift, and events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunAllCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
