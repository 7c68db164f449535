package gitops

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToCommit signals a clean worktree. It is a benign
	// short-circuit, not a failure: callers treat it as "no work needed".
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrNonFastForward signals that the remote branch has diverged and the
	// push would rewrite history. The caller decides whether to
	// pull-and-retry or surface the failure.
	ErrNonFastForward = errors.New("non-fast-forward push rejected")

	// ErrNoRepository is returned when neither an existing repository nor a
	// remote URL to clone from is available.
	ErrNoRepository = errors.New("no repository at path and no remote URL configured")
)

// OpError wraps a git failure with the operation name and repository path.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("git %s failed in %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
