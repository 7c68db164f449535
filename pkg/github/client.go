package github

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Client is the rate-limited GitHub REST client. It exposes only the call
// surface the orchestrator needs; every call consults the shared rate-limit
// state first and feeds response headers back into it afterwards.
type Client struct {
	gh      *github.Client
	limiter *Limiter
	retry   *RetryConfig
	logger  *zap.Logger

	// sleep is injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client from an OAuth token and a shared RateLimitState.
func NewClient(token string, state *RateLimitState, logger *zap.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return NewClientFrom(github.NewClient(tc), state, logger)
}

// NewClientFrom wraps an existing go-github client; tests and enterprise
// setups inject their own.
func NewClientFrom(gh *github.Client, state *RateLimitState, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = NewRateLimitState()
	}
	return &Client{
		gh:      gh,
		limiter: NewLimiter(state, logger),
		retry:   DefaultRetryConfig(),
		logger:  logger,
		sleep:   sleepContext,
	}
}

// do executes one API operation under the rate limiter with bounded retries
// for retriable failures. Response headers update the shared state on every
// attempt, successful or not.
func (c *Client) do(ctx context.Context, resource string, op func() (*github.Response, error)) error {
	delay := c.retry.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, withJitter(delay, c.retry.Jitter)); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * c.retry.BackoffFactor)
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		resp, err := op()
		c.limiter.Record(resp)
		if err == nil {
			return nil
		}

		wrapped := wrapAPIError(err, resource)
		var apiErr *APIError
		if !errors.As(wrapped, &apiErr) || !apiErr.IsRetriable() {
			return wrapped
		}
		lastErr = wrapped

		if apiErr.IsRateLimit() {
			// The limiter's state was just updated from the 403 response;
			// the next attempt's Wait blocks until the window resets.
			c.logger.Warn("rate limited mid-call, will retry after reset",
				zap.String("resource", resource))
		} else {
			c.logger.Debug("retriable API failure",
				zap.String("resource", resource),
				zap.Int("attempt", attempt),
				zap.Error(wrapped))
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

// AuthenticatedUser returns the login of the token's user.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	var user *github.User
	err := c.do(ctx, "authenticated user", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = c.gh.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

// GetRepository retrieves a repository by owner and name.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*github.Repository, error) {
	var repo *github.Repository
	err := c.do(ctx, fmt.Sprintf("repository %s/%s", owner, name), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateFork schedules a fork of the repository. GitHub creates forks
// asynchronously: a 202 Accepted is success here, and the returned
// repository may be nil until the fork becomes queryable.
func (c *Client) CreateFork(ctx context.Context, owner, name string) (*github.Repository, error) {
	var fork *github.Repository
	err := c.do(ctx, fmt.Sprintf("fork of %s/%s", owner, name), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		fork, resp, err = c.gh.Repositories.CreateFork(ctx, owner, name, nil)
		var accepted *github.AcceptedError
		if errors.As(err, &accepted) {
			err = nil
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return fork, nil
}

// GetBranch retrieves one branch of a repository.
func (c *Client) GetBranch(ctx context.Context, owner, name, branch string) (*github.Branch, error) {
	var b *github.Branch
	err := c.do(ctx, fmt.Sprintf("branch %s/%s:%s", owner, name, branch), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		b, resp, err = c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetContents retrieves a single file's metadata and content. Directory
// paths are rejected; the health checker only looks up files.
func (c *Client) GetContents(ctx context.Context, owner, name, path string) (*github.RepositoryContent, error) {
	var file *github.RepositoryContent
	err := c.do(ctx, fmt.Sprintf("contents %s/%s:%s", owner, name, path), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		file, _, resp, err = c.gh.Repositories.GetContents(ctx, owner, name, path, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, &APIError{
			Status:   422,
			Message:  fmt.Sprintf("%s is a directory, not a file", path),
			Resource: fmt.Sprintf("contents %s/%s:%s", owner, name, path),
		}
	}
	return file, nil
}

// CreateBranchRef creates refs/heads/<branch> pointing at sha.
func (c *Client) CreateBranchRef(ctx context.Context, owner, name, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	return c.do(ctx, fmt.Sprintf("ref %s/%s:%s", owner, name, branch), func() (*github.Response, error) {
		_, resp, err := c.gh.Git.CreateRef(ctx, owner, name, ref)
		return resp, err
	})
}

// ListOpenPullRequests lists open PRs for an exact (head, base) pair. head
// must be owner-qualified ("owner:branch").
func (c *Client) ListOpenPullRequests(ctx context.Context, owner, name, head, base string) ([]*github.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		Head:        head,
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []*github.PullRequest
	err := c.do(ctx, fmt.Sprintf("pull requests %s/%s %s->%s", owner, name, head, base), func() (*github.Response, error) {
		all = nil
		opts.Page = 0
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
			if err != nil {
				return resp, err
			}
			all = append(all, prs...)
			if resp.NextPage == 0 {
				return resp, nil
			}
			opts.Page = resp.NextPage
		}
	})
	return all, err
}

// CreatePullRequest opens a new pull request.
func (c *Client) CreatePullRequest(ctx context.Context, owner, name, title, body, head, base string) (*github.PullRequest, error) {
	newPR := &github.NewPullRequest{
		Title:               github.String(title),
		Body:                github.String(body),
		Head:                github.String(head),
		Base:                github.String(base),
		MaintainerCanModify: github.Bool(true),
	}

	var pr *github.PullRequest
	err := c.do(ctx, fmt.Sprintf("pull request %s/%s %s->%s", owner, name, head, base), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Create(ctx, owner, name, newPR)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// UpdatePullRequest replaces title and body of an existing pull request.
func (c *Client) UpdatePullRequest(ctx context.Context, owner, name string, number int, title, body string) (*github.PullRequest, error) {
	patch := &github.PullRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}

	var pr *github.PullRequest
	err := c.do(ctx, fmt.Sprintf("pull request %s/%s#%d", owner, name, number), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Edit(ctx, owner, name, number, patch)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return pr, nil
}

// ListCheckRunsForRef lists the check runs reported for a commit.
func (c *Client) ListCheckRunsForRef(ctx context.Context, owner, name, ref string) (*github.ListCheckRunsResults, error) {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var results *github.ListCheckRunsResults
	err := c.do(ctx, fmt.Sprintf("check runs for %s/%s@%s", owner, name, ref), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		results, resp, err = c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, ref, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ListMergedPullRequests returns PRs merged after since, newest first.
func (c *Client) ListMergedPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*github.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var merged []*github.PullRequest
	err := c.do(ctx, fmt.Sprintf("merged pull requests %s/%s", owner, name), func() (*github.Response, error) {
		merged = nil
		opts.Page = 0
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
			if err != nil {
				return resp, err
			}
			done := false
			for _, pr := range prs {
				if pr.GetUpdatedAt().Time.Before(since) {
					done = true
					break
				}
				if pr.MergedAt != nil && !pr.GetMergedAt().Time.Before(since) {
					merged = append(merged, pr)
				}
			}
			if done || resp.NextPage == 0 {
				return resp, nil
			}
			opts.Page = resp.NextPage
		}
	})
	return merged, err
}

// ListCommits returns commits on the default branch after since.
func (c *Client) ListCommits(ctx context.Context, owner, name string, since time.Time) ([]*github.RepositoryCommit, error) {
	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []*github.RepositoryCommit
	err := c.do(ctx, fmt.Sprintf("commits %s/%s", owner, name), func() (*github.Response, error) {
		all = nil
		opts.Page = 0
		for {
			commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, opts)
			if err != nil {
				return resp, err
			}
			all = append(all, commits...)
			if resp.NextPage == 0 {
				return resp, nil
			}
			opts.Page = resp.NextPage
		}
	})
	return all, err
}

// withJitter randomizes a delay to avoid thundering herd on retries.
func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*jitter*float64(d))
}
