package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"repokeeper/pkg/github"
	"repokeeper/pkg/health"
)

var healthVerbose bool

var healthCmd = &cobra.Command{
	Use:   "health <owner>/<repo>",
	Short: "Report on a repository's hygiene",
	Long: `Report on a repository's hygiene via the GitHub API: expected files,
branch protection, issue backlog, recent activity and the state of the
default branch's checks. The check is read-only; nothing is mutated.

A GitHub token is read from the GITHUB_TOKEN (or GH_TOKEN) environment
variable.

Examples:
  repokeeper health octocat/hello-world`,
	Args: cobra.ExactArgs(1),
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVarP(&healthVerbose, "verbose", "v", false, "Enable debug logging")
}

func runHealth(_ *cobra.Command, args []string) error {
	owner, name, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository must be given as <owner>/<repo>, got %q", args[0])
	}

	token, err := resolveToken()
	if err != nil {
		return err
	}

	logger, err := buildLogger(healthVerbose)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := github.NewClient(token, github.NewRateLimitState(), logger)
	checker := health.NewChecker(client, logger)

	report, err := checker.Check(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Print(report.Render())
	return nil
}
