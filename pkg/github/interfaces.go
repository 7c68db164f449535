package github

import (
	"context"
	"time"

	"github.com/google/go-github/v66/github"
)

// API is the GitHub call surface the orchestration core needs. *Client is
// the production implementation; tests substitute fakes.
type API interface {
	AuthenticatedUser(ctx context.Context) (string, error)

	// Repository operations
	GetRepository(ctx context.Context, owner, name string) (*github.Repository, error)
	CreateFork(ctx context.Context, owner, name string) (*github.Repository, error)
	GetContents(ctx context.Context, owner, name, path string) (*github.RepositoryContent, error)

	// Branch operations
	GetBranch(ctx context.Context, owner, name, branch string) (*github.Branch, error)
	CreateBranchRef(ctx context.Context, owner, name, branch, sha string) error

	// Pull request operations
	ListOpenPullRequests(ctx context.Context, owner, name, head, base string) ([]*github.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, name, title, body, head, base string) (*github.PullRequest, error)
	UpdatePullRequest(ctx context.Context, owner, name string, number int, title, body string) (*github.PullRequest, error)

	// Check run operations
	ListCheckRunsForRef(ctx context.Context, owner, name, ref string) (*github.ListCheckRunsResults, error)

	// History operations for changelog generation
	ListMergedPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*github.PullRequest, error)
	ListCommits(ctx context.Context, owner, name string, since time.Time) ([]*github.RepositoryCommit, error)
}

var _ API = (*Client)(nil)
