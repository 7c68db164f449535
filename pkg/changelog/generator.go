package changelog

import (
	"context"
	"fmt"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"repokeeper/pkg/github"
)

// categories in render order. A PR title is assigned to the first category
// whose keyword it mentions.
var categories = []struct {
	title    string
	keywords []string
}{
	{"Features", []string{"feat", "add", "implement", "introduce"}},
	{"Bug Fixes", []string{"fix", "bug", "patch", "resolve"}},
	{"Documentation", []string{"doc", "readme"}},
	{"Refactoring", []string{"refactor", "cleanup", "clean up", "simplify"}},
}

const otherCategory = "Other Changes"

// Generator builds a dated CHANGELOG.md section from the pull requests merged
// into a repository since a cutoff. When no PRs merged in the window, it
// falls back to listing raw commits.
type Generator struct {
	api    github.API
	logger *zap.Logger

	// now is injectable for tests
	now func() time.Time
}

// NewGenerator creates a Generator over the rate-limited API.
func NewGenerator(api github.API, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		api:    api,
		logger: logger,
		now:    time.Now,
	}
}

// Build returns a markdown section covering merges since the cutoff, or ""
// when there is nothing to report.
func (g *Generator) Build(ctx context.Context, owner, name string, since time.Time) (string, error) {
	prs, err := g.api.ListMergedPullRequests(ctx, owner, name, since)
	if err != nil {
		return "", fmt.Errorf("listing merged pull requests: %w", err)
	}

	if len(prs) > 0 {
		return g.renderPullRequests(prs), nil
	}

	commits, err := g.api.ListCommits(ctx, owner, name, since)
	if err != nil {
		return "", fmt.Errorf("listing commits: %w", err)
	}
	if len(commits) == 0 {
		g.logger.Info("no merged pull requests or commits in window",
			zap.String("repo", owner+"/"+name),
			zap.Time("since", since))
		return "", nil
	}
	return g.renderCommits(commits), nil
}

func (g *Generator) renderPullRequests(prs []*gogithub.PullRequest) string {
	grouped := make(map[string][]string)
	for _, pr := range prs {
		line := fmt.Sprintf("- %s (#%d)", strings.TrimSpace(pr.GetTitle()), pr.GetNumber())
		grouped[categorize(pr.GetTitle())] = append(grouped[categorize(pr.GetTitle())], line)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", g.now().UTC().Format("2006-01-02"))
	for _, cat := range categories {
		writeCategory(&b, cat.title, grouped[cat.title])
	}
	writeCategory(&b, otherCategory, grouped[otherCategory])
	return b.String()
}

func (g *Generator) renderCommits(commits []*gogithub.RepositoryCommit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n### Commits\n\n", g.now().UTC().Format("2006-01-02"))
	for _, c := range commits {
		subject := strings.SplitN(c.GetCommit().GetMessage(), "\n", 2)[0]
		sha := c.GetSHA()
		if len(sha) > 7 {
			sha = sha[:7]
		}
		fmt.Fprintf(&b, "- %s (%s)\n", strings.TrimSpace(subject), sha)
	}
	return b.String()
}

func writeCategory(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n\n", title)
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func categorize(title string) string {
	lower := strings.ToLower(title)
	for _, cat := range categories {
		for _, kw := range cat.keywords {
			if strings.Contains(lower, kw) {
				return cat.title
			}
		}
	}
	return otherCategory
}

// Prepend splices a new section above the existing changelog body, keeping a
// leading "# Changelog" heading in place when one exists.
func Prepend(existing []byte, section string) []byte {
	if section == "" {
		return existing
	}

	body := strings.TrimLeft(string(existing), "\n")
	if strings.HasPrefix(body, "# ") {
		if idx := strings.Index(body, "\n"); idx >= 0 {
			heading := body[:idx]
			rest := strings.TrimLeft(body[idx:], "\n")
			out := heading + "\n\n" + section
			if rest != "" {
				out += "\n" + rest
			}
			return []byte(out)
		}
		return []byte(body + "\n\n" + section)
	}

	out := "# Changelog\n\n" + section
	if body != "" {
		out += "\n" + body
	}
	return []byte(out)
}
