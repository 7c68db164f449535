package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "repokeeper",
	Short: "Automated maintenance runs for Git repositories",
	Long: `Repokeeper executes scheduled maintenance runs against a Git repository:
it updates files under lock with automatic backups, commits and pushes the
changes, and optionally opens a pull request on GitHub and waits for CI.

Every run ends in one of three states: succeeded, partially failed (the
local changes landed but a remote step such as the pull request or CI did
not complete), or failed (the run was rolled back where possible).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries the process exit code for a finished run. Partial
// failures exit 2 so schedulers can tell them from hard failures.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintln(os.Stderr, exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}
