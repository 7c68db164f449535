package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repokeeper/pkg/changelog"
	"repokeeper/pkg/config"
	"repokeeper/pkg/github"
	"repokeeper/pkg/gitops"
	"repokeeper/pkg/notify"
	"repokeeper/pkg/orchestrator"
	"repokeeper/pkg/transform"
)

var (
	runDryRun  bool
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run <config-file.yaml>",
	Short: "Execute one maintenance run",
	Long: `Execute one maintenance run from a YAML configuration file.

The run updates the configured files under an exclusive lock, backing up
every pre-existing target before the first write, then commits and pushes
the result. Optional flags in the configuration enable forking, opening or
updating a pull request, and waiting for CI checks to conclude.

A GitHub token is read from the GITHUB_TOKEN (or GH_TOKEN) environment
variable whenever the run requests a GitHub API step.

Exit codes:
  0  run succeeded
  1  run failed
  2  run partially failed (local changes landed, a remote step did not)

Examples:
  repokeeper run nightly.yaml
  repokeeper run nightly.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Preview the run without mutating anything")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Enable debug logging")
}

func runRun(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load run config: %w", err)
	}
	if runDryRun {
		cfg.Flags.DryRun = true
	}

	logger, err := buildLogger(runVerbose)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}

	result := o.Run(ctx)
	printSummary(result)

	if code := result.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// buildOrchestrator wires every component the run's flags call for.
func buildOrchestrator(cfg *config.RunConfig, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	git := gitops.NewOperator(cfg.RepoPath, cfg.RemoteURL, cfg.GitAuthorName, cfg.GitAuthorEmail, logger)

	var (
		prs        orchestrator.PullRequests
		checks     orchestrator.ChecksWaiter
		changelogs orchestrator.ChangelogBuilder
	)
	if needsAPI(cfg) {
		token, err := resolveToken()
		if err != nil {
			return nil, err
		}
		client := github.NewClient(token, github.NewRateLimitState(), logger)
		prs = github.NewPRManager(client, logger, cfg.ForkTimeout.Std())
		checks = github.NewCIWaiter(client, logger)
		changelogs = changelog.NewGenerator(client, logger)
	}

	notifiers := notify.MultiNotifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewSMTPNotifier(cfg.Notify, logger))
	}

	o := orchestrator.New(cfg, git, prs, checks, notifiers, logger)
	if cfg.Flags.GenerateChangelog {
		o.WithChangelog(changelogs)
	}
	if cfg.Flags.FormatCode {
		o.WithTransformers(transform.Gofmt{})
	}
	if cfg.Flags.UpdateDocs {
		o.WithTransformers(transform.DocsStamp{})
	}
	if cfg.Flags.UpdateDeps {
		logger.Warn("update_deps requested but no dependency transformer is registered; skipping")
	}
	return o, nil
}

func needsAPI(cfg *config.RunConfig) bool {
	return cfg.Flags.CreatePR || cfg.Flags.WaitForCI || cfg.Flags.GenerateChangelog || cfg.Flags.Fork
}

// resolveToken reads the GitHub token from the environment.
func resolveToken() (string, error) {
	for _, key := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
		if token := os.Getenv(key); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("a GitHub API step is requested but no token is set: export GITHUB_TOKEN (or GH_TOKEN)")
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func printSummary(result orchestrator.RunResult) {
	switch result.Status {
	case orchestrator.StatusSucceeded:
		fmt.Printf("✓ Run %s succeeded\n", result.ID)
	case orchestrator.StatusPartiallyFailed:
		fmt.Printf("⚠ Run %s partially failed: %s\n", result.ID, result.Err)
	default:
		fmt.Printf("✗ Run %s failed: %s\n", result.ID, result.Err)
	}

	if result.DryRun {
		fmt.Println("  (dry run: no changes were made)")
	}
	if result.CommitSHA != "" {
		fmt.Printf("  Commit: %s\n", result.CommitSHA)
	}
	if result.PR != nil {
		fmt.Printf("  Pull request: #%d %s\n", result.PR.Number, result.PR.URL)
	}
	if result.CI != "" {
		fmt.Printf("  CI: %s\n", result.CI)
	}
	for _, backup := range result.Backups {
		fmt.Printf("  Backup kept: %s\n", backup)
	}
}
