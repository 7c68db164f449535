package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repokeeper/pkg/config"
	"repokeeper/pkg/github"
	"repokeeper/pkg/gitops"
	"repokeeper/pkg/transform"
)

type fakeGit struct {
	ensureErr   error
	checkoutErr error

	commitSHA  string
	commitErrs []error
	pushErrs   []error
	pullErr    error

	checkouts int
	commits   int
	pushes    int
	pulls     int

	commitMessages []string
	cloneRequested bool
}

func (g *fakeGit) EnsureRepo(_ context.Context, cloneIfMissing bool) error {
	g.cloneRequested = cloneIfMissing
	return g.ensureErr
}

func (g *fakeGit) CheckoutBranch(_ string, _ bool) error {
	g.checkouts++
	return g.checkoutErr
}

func (g *fakeGit) StageAndCommit(message string) (string, error) {
	g.commits++
	g.commitMessages = append(g.commitMessages, message)
	if len(g.commitErrs) > 0 {
		err := g.commitErrs[0]
		g.commitErrs = g.commitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if g.commitSHA == "" {
		return "deadbeef", nil
	}
	return g.commitSHA, nil
}

func (g *fakeGit) Push(_ context.Context, _, _ string) error {
	g.pushes++
	if len(g.pushErrs) > 0 {
		err := g.pushErrs[0]
		g.pushErrs = g.pushErrs[1:]
		return err
	}
	return nil
}

func (g *fakeGit) Pull(_ context.Context, _, _ string) error {
	g.pulls++
	return g.pullErr
}

type fakePRs struct {
	forkOwner string
	forkErr   error
	branchErr error
	pr        *github.PullRequestRef
	prErr     error

	forks    int
	branches int
	prCalls  int

	gotHead string
	gotBase string
}

func (p *fakePRs) ForkIfRequested(_ context.Context, _, _ string) (string, error) {
	p.forks++
	if p.forkErr != nil {
		return "", p.forkErr
	}
	if p.forkOwner == "" {
		return "robot", nil
	}
	return p.forkOwner, nil
}

func (p *fakePRs) EnsureBranch(_ context.Context, _, _, _, _ string) error {
	p.branches++
	return p.branchErr
}

func (p *fakePRs) CreateOrUpdatePullRequest(_ context.Context, _, _, _, _, head, base string) (*github.PullRequestRef, error) {
	p.prCalls++
	p.gotHead, p.gotBase = head, base
	if p.prErr != nil {
		return nil, p.prErr
	}
	if p.pr != nil {
		return p.pr, nil
	}
	return &github.PullRequestRef{Number: 1, Head: head, Base: base, State: "open"}, nil
}

type fakeChecks struct {
	outcome github.CIOutcome
	err     error
	calls   int
}

func (c *fakeChecks) WaitForChecks(_ context.Context, _, _, _ string, _, _ time.Duration) (github.CIOutcome, error) {
	c.calls++
	return c.outcome, c.err
}

type fakeGuard struct {
	path       string
	content    []byte
	writeErr   error
	restores   int
	releases   int
	backedUp   bool
	backupPath string
}

func (g *fakeGuard) Write(content []byte) error {
	if g.writeErr != nil {
		return g.writeErr
	}
	g.content = content
	return nil
}

func (g *fakeGuard) Restore() error     { g.restores++; return nil }
func (g *fakeGuard) Release() error     { g.releases++; return nil }
func (g *fakeGuard) Path() string       { return g.path }
func (g *fakeGuard) BackedUp() bool     { return g.backedUp }
func (g *fakeGuard) BackupPath() string { return g.backupPath }

// guardTracker hands out fakeGuards and remembers acquisition order.
type guardTracker struct {
	guards   []*fakeGuard
	failPath string // suffix match; Write on this guard fails
}

func (t *guardTracker) factory(path string, _ time.Duration) (FileGuard, error) {
	g := &fakeGuard{path: path, backedUp: true, backupPath: path + ".bak.1"}
	if t.failPath != "" && hasSuffix(path, t.failPath) {
		g.writeErr = errors.New("disk full")
		g.backedUp = false
		g.backupPath = ""
	}
	t.guards = append(t.guards, g)
	return g, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

type countingNotifier struct {
	calls   int
	lastRes RunResult
}

func (n *countingNotifier) Notify(result RunResult) {
	n.calls++
	n.lastRes = result
}

func testConfig(t *testing.T) *config.RunConfig {
	t.Helper()
	cfg := &config.RunConfig{
		RepoPath: t.TempDir(),
		Owner:    "owner",
		Name:     "repo",
		Branch:   "auto/update",
		Files: []config.FileChangeSpec{
			{Path: "VERSION", Content: "2.0.0\n"},
			{Path: "docs/status.md", Content: "all good\n"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestOrchestrator(cfg *config.RunConfig, git *fakeGit, prs *fakePRs, checks *fakeChecks) (*Orchestrator, *guardTracker, *countingNotifier) {
	tracker := &guardTracker{}
	notifier := &countingNotifier{}
	o := New(cfg, git, prs, checks, notifier, nil)
	o.acquire = tracker.factory
	return o, tracker, notifier
}

func TestRun_TwoFileSuccess(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{commitSHA: "abc123"}
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "abc123", res.CommitSHA)
	assert.Equal(t, 0, res.ExitCode())

	require.Len(t, tracker.guards, 2)
	assert.Equal(t, "2.0.0\n", string(tracker.guards[0].content))
	assert.Equal(t, "all good\n", string(tracker.guards[1].content))
	assert.Len(t, res.Backups, 2)

	require.Len(t, git.commitMessages, 1)
	assert.Equal(t, "Auto-update: scheduled maintenance", git.commitMessages[0])
	assert.Equal(t, 1, git.pushes)

	// Guards are released on the way out, and never restored on success.
	for _, g := range tracker.guards {
		assert.Equal(t, 1, g.releases)
		assert.Zero(t, g.restores)
	}
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_NothingToCommitIsSuccess(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{commitErrs: []error{gitops.ErrNothingToCommit}}
	cfg.Flags.CreatePR = true
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Empty(t, res.CommitSHA)
	assert.Zero(t, git.pushes, "no push without a new commit")
	assert.Nil(t, res.PR, "no PR without a new commit")
	for _, g := range tracker.guards {
		assert.Zero(t, g.restores)
	}
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_WriteFailureRollsBackEarlierFiles(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{}
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})
	tracker.failPath = "status.md"

	res := o.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	assert.Zero(t, git.commits, "no commit after a failed write")

	require.Len(t, tracker.guards, 2)
	assert.Equal(t, 1, tracker.guards[0].restores, "first file restored")
	assert.Equal(t, 1, tracker.guards[1].restores)
	for _, g := range tracker.guards {
		assert.Equal(t, 1, g.releases)
	}
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_DuplicateTargetsCollapseToOneWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files = []config.FileChangeSpec{
		{Path: "README.md", Content: "first\n"},
		{Path: "docs/status.md", Content: "all good\n"},
		{Path: "./README.md", Content: "second\n"},
	}
	o, tracker, _ := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, tracker.guards, 2, "one guard per distinct path")
	assert.True(t, hasSuffix(tracker.guards[0].path, "README.md"))
	assert.Equal(t, "second\n", string(tracker.guards[0].content), "last content for a path wins")
	assert.True(t, hasSuffix(tracker.guards[1].path, "status.md"))
}

func TestRun_TransformerOutputMergesWithExplicitFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files = []config.FileChangeSpec{{Path: "README.md", Content: "stale\n"}}
	o, tracker, _ := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, &fakeChecks{})
	o.WithTransformers(&fakeTransformer{
		name:    "docs-stamp",
		changes: []transform.Change{{Path: "README.md", Content: []byte("stamped\n")}},
	})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, tracker.guards, 1)
	assert.Equal(t, "stamped\n", string(tracker.guards[0].content))
}

func TestRun_RepeatedTargetSharesOneLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockTimeout = config.Duration(500 * time.Millisecond)
	cfg.Files = []config.FileChangeSpec{
		{Path: "README.md", Content: "v2\n"},
		{Path: "README.md", Content: "v2\n"},
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.RepoPath, "README.md"), []byte("v1\n"), 0644))

	git := &fakeGit{}
	notifier := &countingNotifier{}
	// Real guards: a second acquire on the same path would block on the
	// lock the run already holds and burn the whole timeout.
	o := New(cfg, git, &fakePRs{}, &fakeChecks{}, notifier, nil)

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, git.commits)

	got, err := os.ReadFile(filepath.Join(cfg.RepoPath, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(got))
	assert.Len(t, res.Backups, 1, "one backup per guarded path per run")
}

func TestRun_CommitFailureRollsBack(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{commitErrs: []error{errors.New("index locked")}}
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	for _, g := range tracker.guards {
		assert.Equal(t, 1, g.restores)
	}
	assert.Zero(t, git.pushes)
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_NonFastForwardRetriesOnce(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{pushErrs: []error{gitops.ErrNonFastForward, nil}}
	git.commitErrs = []error{nil, gitops.ErrNothingToCommit}
	o, _, _ := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, git.pulls)
	assert.Equal(t, 2, git.pushes)
}

func TestRun_NonFastForwardTwiceIsTerminal(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{pushErrs: []error{gitops.ErrNonFastForward, gitops.ErrNonFastForward}}
	git.commitErrs = []error{nil, gitops.ErrNothingToCommit}
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, git.pulls)
	assert.Equal(t, 2, git.pushes)

	// The local commit survives a terminal push failure.
	for _, g := range tracker.guards {
		assert.Zero(t, g.restores, "pushed-but-rejected commit must not be rolled back")
	}
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_CreatePullRequest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.CreatePR = true
	prs := &fakePRs{pr: &github.PullRequestRef{Number: 7, URL: "https://example.invalid/pr/7", State: "open"}}
	o, _, _ := newTestOrchestrator(cfg, &fakeGit{}, prs, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	require.NotNil(t, res.PR)
	assert.Equal(t, 7, res.PR.Number)
	assert.Equal(t, "owner:auto/update", prs.gotHead)
	assert.Equal(t, "main", prs.gotBase)
	assert.Zero(t, prs.forks, "no fork unless requested")
	assert.Equal(t, 1, prs.branches)
}

func TestRun_ForkChangesHeadOwner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.CreatePR = true
	cfg.Flags.Fork = true
	prs := &fakePRs{forkOwner: "robot"}
	o, _, _ := newTestOrchestrator(cfg, &fakeGit{}, prs, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, prs.forks)
	assert.Equal(t, "robot:auto/update", prs.gotHead)
}

func TestRun_PRFailureIsPartial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.CreatePR = true
	prs := &fakePRs{prErr: github.ErrAmbiguousState}
	o, tracker, notifier := newTestOrchestrator(cfg, &fakeGit{}, prs, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusPartiallyFailed, res.Status)
	assert.Equal(t, 2, res.ExitCode())
	assert.Nil(t, res.PR)

	// Local work already landed; nothing gets rolled back.
	for _, g := range tracker.guards {
		assert.Zero(t, g.restores)
	}
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_ForkFailureIsPartial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.CreatePR = true
	cfg.Flags.Fork = true
	prs := &fakePRs{forkErr: github.ErrForkTimeout}
	o, _, _ := newTestOrchestrator(cfg, &fakeGit{}, prs, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusPartiallyFailed, res.Status)
	assert.Zero(t, prs.prCalls)
}

func TestRun_CIOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome github.CIOutcome
		err     error
		want    Status
	}{
		{"passed", github.CIPassed, nil, StatusSucceeded},
		{"no checks configured", github.CINoChecksConfigured, nil, StatusSucceeded},
		{"failed", github.CIFailed, nil, StatusPartiallyFailed},
		{"timed out", github.CITimedOut, nil, StatusPartiallyFailed},
		{"api error", "", errors.New("boom"), StatusPartiallyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Flags.CreatePR = true
			cfg.Flags.WaitForCI = true
			checks := &fakeChecks{outcome: tt.outcome, err: tt.err}
			o, _, notifier := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, checks)

			res := o.Run(context.Background())

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, 1, checks.calls)
			assert.Equal(t, tt.outcome, res.CI)
			assert.Equal(t, 1, notifier.calls)
		})
	}
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.DryRun = true
	cfg.Flags.CreatePR = true
	cfg.Flags.Fork = true
	cfg.Flags.WaitForCI = true
	git := &fakeGit{}
	prs := &fakePRs{}
	checks := &fakeChecks{}
	o, tracker, notifier := newTestOrchestrator(cfg, git, prs, checks)

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.True(t, res.DryRun)
	assert.False(t, git.cloneRequested, "dry run must not clone a missing repository")
	assert.Empty(t, tracker.guards, "no guards acquired")
	assert.Zero(t, git.checkouts)
	assert.Zero(t, git.commits)
	assert.Zero(t, git.pushes)
	assert.Zero(t, prs.forks)
	assert.Zero(t, prs.prCalls)
	assert.Zero(t, checks.calls)
	assert.Equal(t, 1, notifier.calls)

	// The result still describes what the run would have done.
	var skipped int
	for _, step := range res.Steps {
		if step.Skipped {
			skipped++
		}
	}
	assert.GreaterOrEqual(t, skipped, 5)
}

type fakeTransformer struct {
	name    string
	changes []transform.Change
	err     error
}

func (f *fakeTransformer) Name() string { return f.name }

func (f *fakeTransformer) Apply(_ string) ([]transform.Change, error) {
	return f.changes, f.err
}

func TestRun_TransformerChangesAreGuarded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files = nil
	cfg.Flags.FormatCode = true
	o, tracker, _ := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, &fakeChecks{})
	o.WithTransformers(&fakeTransformer{
		name:    "gofmt",
		changes: []transform.Change{{Path: "main.go", Content: []byte("package main\n")}},
	})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, tracker.guards, 1)
	assert.Equal(t, "package main\n", string(tracker.guards[0].content))
}

func TestRun_TransformerFailureIsTerminal(t *testing.T) {
	cfg := testConfig(t)
	o, tracker, _ := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, &fakeChecks{})
	o.WithTransformers(&fakeTransformer{name: "gofmt", err: errors.New("parse error")})

	res := o.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, tracker.guards, "failure before any write")
}

type fakeChangelog struct {
	section string
	err     error
}

func (f *fakeChangelog) Build(_ context.Context, _, _ string, _ time.Time) (string, error) {
	return f.section, f.err
}

func TestRun_ChangelogSectionIsWritten(t *testing.T) {
	cfg := testConfig(t)
	cfg.Files = nil
	cfg.Flags.GenerateChangelog = true
	o, tracker, _ := newTestOrchestrator(cfg, &fakeGit{}, &fakePRs{}, &fakeChecks{})
	o.WithChangelog(&fakeChangelog{section: "## 2026-08-25\n\n- fixed things (#1)\n"})

	res := o.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, tracker.guards, 1)
	assert.True(t, hasSuffix(tracker.guards[0].path, "CHANGELOG.md"))
	assert.Contains(t, string(tracker.guards[0].content), "fixed things (#1)")
}

func TestRun_ChangelogFailureDegradesRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Flags.GenerateChangelog = true
	git := &fakeGit{}
	o, _, _ := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})
	o.WithChangelog(&fakeChangelog{err: errors.New("api down")})

	res := o.Run(context.Background())

	// History reads failing must not block local maintenance.
	assert.Equal(t, StatusPartiallyFailed, res.Status)
	assert.Equal(t, 1, git.commits, "commit still happens")
	assert.Equal(t, 1, git.pushes)
}

func TestRun_EnsureRepoFailure(t *testing.T) {
	cfg := testConfig(t)
	git := &fakeGit{ensureErr: gitops.ErrNoRepository}
	o, tracker, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

	res := o.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, tracker.guards)
	assert.Equal(t, 1, notifier.calls)
}

func TestRun_NotifierAlwaysCalledOnce(t *testing.T) {
	scenarios := map[string]*fakeGit{
		"success":        {},
		"commit failure": {commitErrs: []error{errors.New("boom")}},
		"push failure":   {pushErrs: []error{errors.New("remote gone")}},
	}

	for name, git := range scenarios {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			o, _, notifier := newTestOrchestrator(cfg, git, &fakePRs{}, &fakeChecks{})

			res := o.Run(context.Background())

			assert.Equal(t, 1, notifier.calls)
			assert.Equal(t, res.Status, notifier.lastRes.Status)
			assert.False(t, notifier.lastRes.FinishedAt.IsZero())
		})
	}
}
