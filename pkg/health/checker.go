// Package health inspects a repository's hygiene through the GitHub API:
// expected files, branch protection, issue backlog, recent activity and the
// state of the default branch's checks. Every call is read-only.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"repokeeper/pkg/github"
)

// DefaultRequiredFiles are the files a healthy repository must carry.
var DefaultRequiredFiles = []string{
	"README.md",
	"LICENSE",
	"CONTRIBUTING.md",
	".gitignore",
}

// DefaultRecommendedFiles improve a repository but their absence is only a
// suggestion, not a defect.
var DefaultRecommendedFiles = []string{
	".github/CODEOWNERS",
	".github/ISSUE_TEMPLATE.md",
	".github/PULL_REQUEST_TEMPLATE.md",
}

// activityWindow bounds the recent-commit count.
const activityWindow = 30 * 24 * time.Hour

// issueBacklogThreshold is the open-issue count above which the report
// suggests triage.
const issueBacklogThreshold = 10

// CheckState classifies the latest check runs on the default branch.
type CheckState string

const (
	ChecksPassing CheckState = "passing"
	ChecksFailing CheckState = "failing"
	ChecksPending CheckState = "pending"
	ChecksNone    CheckState = "none"
)

// Report is the outcome of one health check.
type Report struct {
	Owner         string
	Name          string
	DefaultBranch string

	MissingRequired    []string
	MissingRecommended []string
	BranchProtected    bool
	OpenIssues         int
	RecentCommits      int
	Checks             CheckState

	GeneratedAt time.Time
}

// Suggestions lists the improvements the report calls for, in render order.
func (r *Report) Suggestions() []string {
	var out []string
	for _, f := range r.MissingRequired {
		out = append(out, fmt.Sprintf("Add %s to the repository", f))
	}
	for _, f := range r.MissingRecommended {
		out = append(out, fmt.Sprintf("Consider adding %s", f))
	}
	if !r.BranchProtected {
		out = append(out, fmt.Sprintf("Enable branch protection on %s", r.DefaultBranch))
	}
	if r.OpenIssues > issueBacklogThreshold {
		out = append(out, fmt.Sprintf("Triage the issue backlog (%d open issues)", r.OpenIssues))
	}
	if r.RecentCommits == 0 {
		out = append(out, "No commits in the last 30 days; confirm the repository is still maintained")
	}
	if r.Checks == ChecksFailing {
		out = append(out, fmt.Sprintf("Fix the failing checks on %s", r.DefaultBranch))
	}
	return out
}

// Render formats the report as plain text for the terminal.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository health: %s/%s\n", r.Owner, r.Name)
	fmt.Fprintf(&b, "Generated: %s\n\n", r.GeneratedAt.UTC().Format(time.RFC3339))

	protection := "not protected"
	if r.BranchProtected {
		protection = "protected"
	}
	fmt.Fprintf(&b, "Default branch:  %s (%s)\n", r.DefaultBranch, protection)
	fmt.Fprintf(&b, "Open issues:     %d\n", r.OpenIssues)
	fmt.Fprintf(&b, "Recent commits:  %d in the last 30 days\n", r.RecentCommits)
	fmt.Fprintf(&b, "Checks:          %s\n", r.Checks)

	if len(r.MissingRequired) > 0 {
		fmt.Fprintf(&b, "Missing files:   %s\n", strings.Join(r.MissingRequired, ", "))
	}

	suggestions := r.Suggestions()
	if len(suggestions) == 0 {
		b.WriteString("\nNo suggestions; the repository looks healthy.\n")
		return b.String()
	}
	b.WriteString("\nSuggestions:\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	return b.String()
}

// Checker runs read-only health checks against one repository.
type Checker struct {
	api    github.API
	logger *zap.Logger

	required    []string
	recommended []string

	// now is injectable for tests
	now func() time.Time
}

// NewChecker creates a Checker over the rate-limited API.
func NewChecker(api github.API, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		api:         api,
		logger:      logger,
		required:    DefaultRequiredFiles,
		recommended: DefaultRecommendedFiles,
		now:         time.Now,
	}
}

// Check inspects the repository and assembles a Report. A missing file is a
// finding, not an error; only API failures abort the check.
func (c *Checker) Check(ctx context.Context, owner, name string) (*Report, error) {
	repo, err := c.api.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("loading repository %s/%s: %w", owner, name, err)
	}

	report := &Report{
		Owner:         owner,
		Name:          name,
		DefaultBranch: repo.GetDefaultBranch(),
		OpenIssues:    repo.GetOpenIssuesCount(),
		GeneratedAt:   c.now(),
	}

	if report.MissingRequired, err = c.missingFiles(ctx, owner, name, c.required); err != nil {
		return nil, err
	}
	if report.MissingRecommended, err = c.missingFiles(ctx, owner, name, c.recommended); err != nil {
		return nil, err
	}

	branch, err := c.api.GetBranch(ctx, owner, name, report.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("loading branch %s: %w", report.DefaultBranch, err)
	}
	report.BranchProtected = branch.GetProtected()

	commits, err := c.api.ListCommits(ctx, owner, name, c.now().Add(-activityWindow))
	if err != nil {
		return nil, fmt.Errorf("listing recent commits: %w", err)
	}
	report.RecentCommits = len(commits)

	report.Checks, err = c.checkState(ctx, owner, name, branch.GetCommit().GetSHA())
	if err != nil {
		return nil, err
	}

	c.logger.Info("health check complete",
		zap.String("repo", owner+"/"+name),
		zap.Int("missing_required", len(report.MissingRequired)),
		zap.Bool("protected", report.BranchProtected),
		zap.String("checks", string(report.Checks)))
	return report, nil
}

// missingFiles looks up each path and collects the ones the repository lacks.
func (c *Checker) missingFiles(ctx context.Context, owner, name string, paths []string) ([]string, error) {
	var missing []string
	for _, path := range paths {
		_, err := c.api.GetContents(ctx, owner, name, path)
		if github.IsNotFound(err) {
			missing = append(missing, path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", path, err)
		}
	}
	return missing, nil
}

// checkState classifies the check runs on the branch head. No runs at all is
// ChecksNone, any incomplete run is ChecksPending, any failed conclusion is
// ChecksFailing.
func (c *Checker) checkState(ctx context.Context, owner, name, sha string) (CheckState, error) {
	if sha == "" {
		return ChecksNone, nil
	}

	results, err := c.api.ListCheckRunsForRef(ctx, owner, name, sha)
	if err != nil {
		return "", fmt.Errorf("listing check runs: %w", err)
	}
	if results.GetTotal() == 0 {
		return ChecksNone, nil
	}

	state := ChecksPassing
	for _, run := range results.CheckRuns {
		if run.GetStatus() != "completed" {
			state = ChecksPending
			continue
		}
		switch run.GetConclusion() {
		case "failure", "cancelled", "timed_out", "action_required":
			return ChecksFailing, nil
		}
	}
	return state, nil
}
