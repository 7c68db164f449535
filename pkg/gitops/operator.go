package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// Operator wraps the git operations of one working tree. All operations are
// synchronous and serialized by a repository-level mutex: no two operations
// on the same repository run concurrently.
type Operator struct {
	mu sync.Mutex

	path      string
	remoteURL string
	author    string
	email     string
	logger    *zap.Logger

	repo *git.Repository
}

// NewOperator creates an Operator for the working tree at path. remoteURL is
// used by EnsureRepo when the path does not hold a repository yet.
func NewOperator(path, remoteURL, authorName, authorEmail string, logger *zap.Logger) *Operator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Operator{
		path:      path,
		remoteURL: remoteURL,
		author:    authorName,
		email:     authorEmail,
		logger:    logger,
	}
}

// EnsureRepo opens the repository at the configured path. When the path
// holds no repository it clones from the remote URL, unless cloneIfMissing
// is false (dry runs open only, so a run that promises to mutate nothing
// never creates a working tree either).
func (o *Operator) EnsureRepo(ctx context.Context, cloneIfMissing bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo != nil {
		return nil
	}

	repo, err := git.PlainOpen(o.path)
	if err == nil {
		o.repo = repo
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return &OpError{Op: "open", Path: o.path, Err: err}
	}

	if !cloneIfMissing || o.remoteURL == "" {
		return &OpError{Op: "open", Path: o.path, Err: ErrNoRepository}
	}

	o.logger.Info("cloning repository",
		zap.String("url", o.remoteURL),
		zap.String("path", o.path))

	repo, err = git.PlainCloneContext(ctx, o.path, false, &git.CloneOptions{URL: o.remoteURL})
	if err != nil {
		return &OpError{Op: "clone", Path: o.path, Err: err}
	}
	o.repo = repo
	return nil
}

// CheckoutBranch switches the working tree to the named branch, creating it
// from the current HEAD when createIfMissing is set and it does not exist.
func (o *Operator) CheckoutBranch(name string, createIfMissing bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo == nil {
		return &OpError{Op: "checkout", Path: o.path, Err: ErrNoRepository}
	}

	wt, err := o.repo.Worktree()
	if err != nil {
		return &OpError{Op: "checkout", Path: o.path, Err: err}
	}

	refName := plumbing.NewBranchReferenceName(name)
	_, refErr := o.repo.Reference(refName, false)
	create := false
	if errors.Is(refErr, plumbing.ErrReferenceNotFound) {
		if !createIfMissing {
			return &OpError{Op: "checkout", Path: o.path, Err: refErr}
		}
		create = true
	} else if refErr != nil {
		return &OpError{Op: "checkout", Path: o.path, Err: refErr}
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName, Create: create}); err != nil {
		return &OpError{Op: "checkout", Path: o.path, Err: err}
	}

	o.logger.Debug("checked out branch",
		zap.String("branch", name),
		zap.Bool("created", create))
	return nil
}

// StageAndCommit stages every change in the working tree and commits it.
// A clean worktree returns ErrNothingToCommit and leaves history untouched,
// so repeated identical runs never pollute history with empty commits.
func (o *Operator) StageAndCommit(message string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo == nil {
		return "", &OpError{Op: "commit", Path: o.path, Err: ErrNoRepository}
	}

	wt, err := o.repo.Worktree()
	if err != nil {
		return "", &OpError{Op: "commit", Path: o.path, Err: err}
	}

	status, err := wt.Status()
	if err != nil {
		return "", &OpError{Op: "commit", Path: o.path, Err: err}
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", &OpError{Op: "stage", Path: o.path, Err: err}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  o.author,
			Email: o.email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", &OpError{Op: "commit", Path: o.path, Err: err}
	}

	o.logger.Info("committed changes",
		zap.String("sha", hash.String()),
		zap.String("message", message))
	return hash.String(), nil
}

// Push uploads the branch to the remote. An already-up-to-date remote is
// success; a diverged remote returns ErrNonFastForward for the caller's
// pull-and-retry policy.
func (o *Operator) Push(ctx context.Context, remote, branch string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo == nil {
		return &OpError{Op: "push", Path: o.path, Err: ErrNoRepository}
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := o.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if isNonFastForward(err) {
		return &OpError{Op: "push", Path: o.path, Err: ErrNonFastForward}
	}
	return &OpError{Op: "push", Path: o.path, Err: err}
}

// Pull merges the remote branch into the working tree. An already-up-to-date
// tree is success.
func (o *Operator) Pull(ctx context.Context, remote, branch string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo == nil {
		return &OpError{Op: "pull", Path: o.path, Err: ErrNoRepository}
	}

	wt, err := o.repo.Worktree()
	if err != nil {
		return &OpError{Op: "pull", Path: o.path, Err: err}
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &OpError{Op: "pull", Path: o.path, Err: err}
	}
	return nil
}

// Head returns the SHA the working tree currently points at.
func (o *Operator) Head() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.repo == nil {
		return "", &OpError{Op: "head", Path: o.path, Err: ErrNoRepository}
	}
	ref, err := o.repo.Head()
	if err != nil {
		return "", &OpError{Op: "head", Path: o.path, Err: err}
	}
	return ref.Hash().String(), nil
}

// isNonFastForward matches go-git's remote ref update rejection. go-git does
// not export a sentinel for this case, so the error text is the contract.
func isNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward update")
}
