package github

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultForkPollInterval = 5 * time.Second

// PRManager drives the fork/branch/pull-request sequence on top of the
// rate-limited API client.
type PRManager struct {
	api    API
	logger *zap.Logger

	forkTimeout      time.Duration
	forkPollInterval time.Duration

	// sleep is injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPRManager creates a PRManager. forkTimeout bounds how long a requested
// fork may take to become queryable.
func NewPRManager(api API, logger *zap.Logger, forkTimeout time.Duration) *PRManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PRManager{
		api:              api,
		logger:           logger,
		forkTimeout:      forkTimeout,
		forkPollInterval: defaultForkPollInterval,
		sleep:            sleepContext,
	}
}

// ForkIfRequested forks owner/name into the authenticated user's account and
// polls until the fork is queryable. Forks are asynchronous on the remote
// side; a fork that never materializes within the timeout is ErrForkTimeout.
func (m *PRManager) ForkIfRequested(ctx context.Context, owner, name string) (string, error) {
	fork, err := m.api.CreateFork(ctx, owner, name)
	if err != nil {
		return "", err
	}

	forkOwner := ""
	if fork != nil && fork.Owner != nil {
		forkOwner = fork.Owner.GetLogin()
	}
	if forkOwner == "" {
		forkOwner, err = m.api.AuthenticatedUser(ctx)
		if err != nil {
			return "", err
		}
	}

	deadline := time.Now().Add(m.forkTimeout)
	for {
		if _, err := m.api.GetRepository(ctx, forkOwner, name); err == nil {
			m.logger.Info("fork is available",
				zap.String("fork", forkOwner+"/"+name))
			return forkOwner, nil
		} else if !IsNotFound(err) {
			return "", err
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s/%s", ErrForkTimeout, forkOwner, name)
		}
		if err := m.sleep(ctx, m.forkPollInterval); err != nil {
			return "", err
		}
	}
}

// EnsureBranch makes sure refs/heads/<branch> exists on owner/name, creating
// it from the head of base when missing.
func (m *PRManager) EnsureBranch(ctx context.Context, owner, name, branch, base string) error {
	_, err := m.api.GetBranch(ctx, owner, name, branch)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	baseBranch, err := m.api.GetBranch(ctx, owner, name, base)
	if err != nil {
		return err
	}

	sha := baseBranch.GetCommit().GetSHA()
	if sha == "" {
		return fmt.Errorf("base branch %s has no head commit", base)
	}

	m.logger.Info("creating branch",
		zap.String("branch", branch),
		zap.String("base", base),
		zap.String("sha", sha))
	return m.api.CreateBranchRef(ctx, owner, name, branch, sha)
}

// CreateOrUpdatePullRequest opens a pull request for (head, base), or
// updates title and body of the one already open. It never creates a
// duplicate for the same pair; finding more than one open PR is
// ErrAmbiguousState rather than a guess.
func (m *PRManager) CreateOrUpdatePullRequest(ctx context.Context, owner, name, title, body, head, base string) (*PullRequestRef, error) {
	qualifiedHead := head
	if !strings.Contains(qualifiedHead, ":") {
		qualifiedHead = owner + ":" + head
	}

	existing, err := m.api.ListOpenPullRequests(ctx, owner, name, qualifiedHead, base)
	if err != nil {
		return nil, err
	}

	switch len(existing) {
	case 0:
		pr, err := m.api.CreatePullRequest(ctx, owner, name, title, body, qualifiedHead, base)
		if err != nil {
			return nil, err
		}
		m.logger.Info("created pull request",
			zap.Int("number", pr.GetNumber()),
			zap.String("url", pr.GetHTMLURL()))
		return &PullRequestRef{
			Number: pr.GetNumber(),
			URL:    pr.GetHTMLURL(),
			Head:   qualifiedHead,
			Base:   base,
			State:  pr.GetState(),
		}, nil

	case 1:
		pr, err := m.api.UpdatePullRequest(ctx, owner, name, existing[0].GetNumber(), title, body)
		if err != nil {
			return nil, err
		}
		m.logger.Info("updated existing pull request",
			zap.Int("number", pr.GetNumber()))
		return &PullRequestRef{
			Number: pr.GetNumber(),
			URL:    pr.GetHTMLURL(),
			Head:   qualifiedHead,
			Base:   base,
			State:  pr.GetState(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %d open for %s -> %s", ErrAmbiguousState, len(existing), qualifiedHead, base)
	}
}
