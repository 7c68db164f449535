package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"repokeeper/pkg/changelog"
	"repokeeper/pkg/config"
	"repokeeper/pkg/github"
	"repokeeper/pkg/gitops"
	"repokeeper/pkg/transform"
	"repokeeper/pkg/workspace"
)

// defaultChangelogWindow bounds how far back changelog generation looks when
// the run has no record of a previous one.
const defaultChangelogWindow = 30 * 24 * time.Hour

// GitOperator is the local-repository surface the orchestrator drives.
// *gitops.Operator is the production implementation.
type GitOperator interface {
	EnsureRepo(ctx context.Context, cloneIfMissing bool) error
	CheckoutBranch(name string, createIfMissing bool) error
	StageAndCommit(message string) (string, error)
	Push(ctx context.Context, remote, branch string) error
	Pull(ctx context.Context, remote, branch string) error
}

// PullRequests is the fork/branch/PR surface. *github.PRManager is the
// production implementation.
type PullRequests interface {
	ForkIfRequested(ctx context.Context, owner, name string) (string, error)
	EnsureBranch(ctx context.Context, owner, name, branch, base string) error
	CreateOrUpdatePullRequest(ctx context.Context, owner, name, title, body, head, base string) (*github.PullRequestRef, error)
}

// ChecksWaiter blocks until CI reaches a terminal outcome for a commit.
// *github.CIWaiter is the production implementation.
type ChecksWaiter interface {
	WaitForChecks(ctx context.Context, owner, name, sha string, timeout, pollInterval time.Duration) (github.CIOutcome, error)
}

// ChangelogBuilder produces a markdown section for merges since a cutoff.
// *changelog.Generator is the production implementation.
type ChangelogBuilder interface {
	Build(ctx context.Context, owner, name string, since time.Time) (string, error)
}

// FileGuard is the lock-and-backup handle for one target file.
// *workspace.Guard is the production implementation.
type FileGuard interface {
	Write(content []byte) error
	Restore() error
	Release() error
	Path() string
	BackedUp() bool
	BackupPath() string
}

// GuardFactory acquires a FileGuard for a path.
type GuardFactory func(path string, timeout time.Duration) (FileGuard, error)

var (
	_ GitOperator  = (*gitops.Operator)(nil)
	_ PullRequests = (*github.PRManager)(nil)
	_ ChecksWaiter = (*github.CIWaiter)(nil)
	_ FileGuard    = (*workspace.Guard)(nil)
)

// Orchestrator executes one maintenance run: guarded file updates, commit,
// push, optional fork/pull-request/CI-wait, then exactly one notification.
type Orchestrator struct {
	cfg      *config.RunConfig
	git      GitOperator
	prs      PullRequests
	checks   ChecksWaiter
	notifier Notifier
	logger   *zap.Logger

	transformers    []transform.Transformer
	changelogs      ChangelogBuilder
	changelogWindow time.Duration

	// injectable for tests
	acquire GuardFactory
	now     func() time.Time
}

// New wires an Orchestrator. notifier may be nil when nobody listens.
func New(cfg *config.RunConfig, git GitOperator, prs PullRequests, checks ChecksWaiter, notifier Notifier, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(RunResult) {})
	}
	return &Orchestrator{
		cfg:             cfg,
		git:             git,
		prs:             prs,
		checks:          checks,
		notifier:        notifier,
		logger:          logger,
		changelogWindow: defaultChangelogWindow,
		acquire: func(path string, timeout time.Duration) (FileGuard, error) {
			return workspace.Acquire(path, timeout)
		},
		now: time.Now,
	}
}

// WithTransformers registers transformers to run before the commit. The
// caller decides which ones the run's flags enable.
func (o *Orchestrator) WithTransformers(ts ...transform.Transformer) *Orchestrator {
	o.transformers = append(o.transformers, ts...)
	return o
}

// WithChangelog registers the changelog builder used when the run's
// generate-changelog flag is set.
func (o *Orchestrator) WithChangelog(b ChangelogBuilder) *Orchestrator {
	o.changelogs = b
	return o
}

// Run executes the full state machine and returns the terminal RunResult.
// The notifier is invoked exactly once, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context) RunResult {
	res := RunResult{
		ID:        uuid.New(),
		Status:    StatusSucceeded,
		DryRun:    o.cfg.Flags.DryRun,
		StartedAt: o.now(),
	}

	o.logger.Info("run starting",
		zap.String("run_id", res.ID.String()),
		zap.String("branch", o.cfg.Branch),
		zap.Bool("dry_run", res.DryRun))

	o.execute(ctx, &res)

	res.FinishedAt = o.now()
	o.logger.Info("run finished",
		zap.String("run_id", res.ID.String()),
		zap.String("status", string(res.Status)))
	o.notifier.Notify(res)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, res *RunResult) {
	// A dry run never clones: EnsureRepo opens an existing tree only.
	if err := o.git.EnsureRepo(ctx, !res.DryRun); err != nil {
		o.fail(res, "ensure-repo", err)
		return
	}
	res.addStep("ensure-repo", nil)

	if res.DryRun {
		res.skipStep("checkout-branch", "dry run")
	} else if err := o.git.CheckoutBranch(o.cfg.Branch, true); err != nil {
		o.fail(res, "checkout-branch", err)
		return
	} else {
		res.addStep("checkout-branch", nil)
	}

	changes, ok := o.planChanges(ctx, res)
	if !ok {
		return
	}

	guards, ok := o.writeFiles(res, changes)
	defer o.releaseAll(guards)
	if !ok {
		return
	}

	message := o.cfg.CommitPrefix + o.cfg.CommitMessage

	if res.DryRun {
		res.skipStep("commit", "dry run")
		res.skipStep("push", "dry run")
	} else {
		sha, err := o.git.StageAndCommit(message)
		if errors.Is(err, gitops.ErrNothingToCommit) {
			res.Steps = append(res.Steps, StepOutcome{Name: "commit", OK: true, Detail: "nothing to commit"})
			o.logger.Info("worktree already matches desired state")
			return
		}
		if err != nil {
			o.rollback(res, guards)
			o.fail(res, "commit", err)
			return
		}
		res.CommitSHA = sha
		res.addStep("commit", nil)

		if !o.push(ctx, res, message) {
			return
		}
	}

	o.remoteActions(ctx, res)
}

// planChanges gathers explicit file updates, transformer output and the
// changelog section into one ordered list of guarded writes.
func (o *Orchestrator) planChanges(ctx context.Context, res *RunResult) ([]transform.Change, bool) {
	changes := make([]transform.Change, 0, len(o.cfg.Files))
	for _, f := range o.cfg.Files {
		changes = append(changes, transform.Change{Path: f.Path, Content: []byte(f.Content)})
	}

	for _, tr := range o.transformers {
		got, err := tr.Apply(o.cfg.RepoPath)
		if err != nil {
			// Transformers only read; nothing to roll back yet.
			o.fail(res, "transform "+tr.Name(), err)
			return nil, false
		}
		res.addStep("transform "+tr.Name(), nil)
		changes = append(changes, got...)
	}

	if o.cfg.Flags.GenerateChangelog && o.changelogs != nil {
		section, err := o.changelogs.Build(ctx, o.cfg.Owner, o.cfg.Name, o.now().Add(-o.changelogWindow))
		if err != nil {
			// A history read failing should not abort local maintenance;
			// the run is degraded, not broken.
			res.addStep("changelog", err)
			o.downgrade(res, err)
		} else {
			res.addStep("changelog", nil)
			if section != "" {
				existing, readErr := os.ReadFile(o.cfg.ResolveTarget("CHANGELOG.md"))
				if readErr != nil && !os.IsNotExist(readErr) {
					o.fail(res, "changelog", readErr)
					return nil, false
				}
				changes = append(changes, transform.Change{
					Path:    "CHANGELOG.md",
					Content: changelog.Prepend(existing, section),
				})
			}
		}
	}

	return dedupeByPath(changes), true
}

// dedupeByPath collapses changes targeting the same file into one write, the
// last content winning at the first occurrence's position. One guard is held
// per path per run; a second acquire on the same path would block on the lock
// the run itself already holds.
func dedupeByPath(changes []transform.Change) []transform.Change {
	index := make(map[string]int, len(changes))
	out := changes[:0]
	for _, ch := range changes {
		key := filepath.Clean(ch.Path)
		if i, seen := index[key]; seen {
			out[i] = ch
			continue
		}
		index[key] = len(out)
		out = append(out, ch)
	}
	return out
}

// writeFiles applies every change under its own guard. A failure at change N
// restores changes 1..N-1 in reverse order and fails the run.
func (o *Orchestrator) writeFiles(res *RunResult, changes []transform.Change) ([]FileGuard, bool) {
	if res.DryRun {
		for _, ch := range changes {
			res.skipStep("write "+ch.Path, "dry run")
		}
		return nil, true
	}

	var guards []FileGuard
	for _, ch := range changes {
		guard, err := o.acquire(o.cfg.ResolveTarget(ch.Path), o.cfg.LockTimeout.Std())
		if err != nil {
			o.rollback(res, guards)
			o.fail(res, "write "+ch.Path, err)
			return guards, false
		}
		guards = append(guards, guard)

		if err := guard.Write(ch.Content); err != nil {
			o.rollback(res, guards)
			o.fail(res, "write "+ch.Path, err)
			return guards, false
		}
		if guard.BackedUp() {
			res.Backups = append(res.Backups, guard.BackupPath())
		}
		res.addStep("write "+ch.Path, nil)
	}
	return guards, true
}

// push publishes the branch, retrying once through a pull when the remote
// moved underneath us. A second rejection is terminal; the local commit is
// kept so nothing already recorded is lost.
func (o *Orchestrator) push(ctx context.Context, res *RunResult, message string) bool {
	err := o.git.Push(ctx, o.cfg.Remote, o.cfg.Branch)
	if errors.Is(err, gitops.ErrNonFastForward) {
		o.logger.Warn("push rejected, pulling and retrying once",
			zap.String("branch", o.cfg.Branch))

		if pullErr := o.git.Pull(ctx, o.cfg.Remote, o.cfg.Branch); pullErr != nil {
			o.fail(res, "push", pullErr)
			return false
		}
		if _, commitErr := o.git.StageAndCommit(message); commitErr != nil && !errors.Is(commitErr, gitops.ErrNothingToCommit) {
			o.fail(res, "push", commitErr)
			return false
		}
		err = o.git.Push(ctx, o.cfg.Remote, o.cfg.Branch)
	}
	if err != nil {
		o.fail(res, "push", err)
		return false
	}
	res.addStep("push", nil)
	return true
}

// remoteActions runs the optional fork, pull-request and CI-wait stages.
// Failures here downgrade to PartiallyFailed: the local work is already
// committed and pushed.
func (o *Orchestrator) remoteActions(ctx context.Context, res *RunResult) {
	if !o.cfg.Flags.CreatePR {
		if o.cfg.Flags.WaitForCI {
			if res.DryRun {
				res.skipStep("ci-wait", "dry run")
			} else {
				o.waitForChecks(ctx, res)
			}
		}
		return
	}

	if res.DryRun {
		if o.cfg.Flags.Fork {
			res.skipStep("fork", "dry run")
		}
		res.skipStep("pull-request", "dry run")
		if o.cfg.Flags.WaitForCI {
			res.skipStep("ci-wait", "dry run")
		}
		return
	}

	headOwner := o.cfg.Owner
	if o.cfg.Flags.Fork {
		forkOwner, err := o.prs.ForkIfRequested(ctx, o.cfg.Owner, o.cfg.Name)
		if err != nil {
			res.addStep("fork", err)
			o.downgrade(res, err)
			return
		}
		headOwner = forkOwner
		res.addStep("fork", nil)
	}

	if err := o.prs.EnsureBranch(ctx, headOwner, o.cfg.Name, o.cfg.Branch, o.cfg.BaseBranch); err != nil {
		res.addStep("ensure-branch", err)
		o.downgrade(res, err)
		return
	}
	res.addStep("ensure-branch", nil)

	title := o.cfg.PRTitle
	if title == "" {
		title = o.cfg.CommitPrefix + o.cfg.CommitMessage
	}
	pr, err := o.prs.CreateOrUpdatePullRequest(ctx, o.cfg.Owner, o.cfg.Name, title, o.cfg.PRBody,
		headOwner+":"+o.cfg.Branch, o.cfg.BaseBranch)
	if err != nil {
		res.addStep("pull-request", err)
		o.downgrade(res, err)
		return
	}
	res.PR = pr
	res.addStep("pull-request", nil)

	if o.cfg.Flags.WaitForCI {
		o.waitForChecks(ctx, res)
	}
}

func (o *Orchestrator) waitForChecks(ctx context.Context, res *RunResult) {
	outcome, err := o.checks.WaitForChecks(ctx, o.cfg.Owner, o.cfg.Name, res.CommitSHA,
		o.cfg.CITimeout.Std(), o.cfg.CIPollInterval.Std())
	if err != nil {
		res.addStep("ci-wait", err)
		o.downgrade(res, err)
		return
	}
	res.CI = outcome
	res.addStep("ci-wait", nil)
	if !outcome.Passed() {
		o.logger.Warn("checks did not pass", zap.String("outcome", string(outcome)))
		if res.Status == StatusSucceeded {
			res.Status = StatusPartiallyFailed
		}
	}
}

// rollback restores every guarded file in reverse write order.
func (o *Orchestrator) rollback(res *RunResult, guards []FileGuard) {
	var errs *multierror.Error
	for i := len(guards) - 1; i >= 0; i-- {
		if err := guards[i].Restore(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		o.logger.Error("rollback incomplete, backups kept for manual recovery",
			zap.Error(err),
			zap.Strings("backups", res.Backups))
		return
	}
	if len(guards) > 0 {
		o.logger.Info("rolled back file changes", zap.Int("files", len(guards)))
	}
}

func (o *Orchestrator) releaseAll(guards []FileGuard) {
	for _, g := range guards {
		if err := g.Release(); err != nil {
			o.logger.Warn("releasing file lock failed",
				zap.String("path", g.Path()),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) fail(res *RunResult, step string, err error) {
	res.addStep(step, err)
	res.Status = StatusFailed
	res.Err = err.Error()
	o.logger.Error("run failed", zap.String("step", step), zap.Error(err))
}

func (o *Orchestrator) downgrade(res *RunResult, err error) {
	if res.Status == StatusSucceeded {
		res.Status = StatusPartiallyFailed
	}
	if res.Err == "" {
		res.Err = err.Error()
	}
	o.logger.Warn("remote action failed after local work landed", zap.Error(err))
}
