package github

import (
	"context"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
)

// fakeAPI implements API with per-method hooks and call counters.
type fakeAPI struct {
	authenticatedUser func(ctx context.Context) (string, error)
	getRepository     func(ctx context.Context, owner, name string) (*github.Repository, error)
	createFork        func(ctx context.Context, owner, name string) (*github.Repository, error)
	getContents       func(ctx context.Context, owner, name, path string) (*github.RepositoryContent, error)
	getBranch         func(ctx context.Context, owner, name, branch string) (*github.Branch, error)
	createBranchRef   func(ctx context.Context, owner, name, branch, sha string) error
	listOpenPRs       func(ctx context.Context, owner, name, head, base string) ([]*github.PullRequest, error)
	createPR          func(ctx context.Context, owner, name, title, body, head, base string) (*github.PullRequest, error)
	updatePR          func(ctx context.Context, owner, name string, number int, title, body string) (*github.PullRequest, error)
	listCheckRuns     func(ctx context.Context, owner, name, ref string) (*github.ListCheckRunsResults, error)
	listMergedPRs     func(ctx context.Context, owner, name string, since time.Time) ([]*github.PullRequest, error)
	listCommits       func(ctx context.Context, owner, name string, since time.Time) ([]*github.RepositoryCommit, error)

	createPRCalls     int
	updatePRCalls     int
	createRefCalls    int
	getRepoCalls      int
	listCheckRunCalls int
}

func (f *fakeAPI) AuthenticatedUser(ctx context.Context) (string, error) {
	if f.authenticatedUser == nil {
		return "robot", nil
	}
	return f.authenticatedUser(ctx)
}

func (f *fakeAPI) GetRepository(ctx context.Context, owner, name string) (*github.Repository, error) {
	f.getRepoCalls++
	if f.getRepository == nil {
		return &github.Repository{Name: github.String(name)}, nil
	}
	return f.getRepository(ctx, owner, name)
}

func (f *fakeAPI) CreateFork(ctx context.Context, owner, name string) (*github.Repository, error) {
	if f.createFork == nil {
		return nil, nil
	}
	return f.createFork(ctx, owner, name)
}

func (f *fakeAPI) GetContents(ctx context.Context, owner, name, path string) (*github.RepositoryContent, error) {
	if f.getContents == nil {
		return &github.RepositoryContent{Path: github.String(path)}, nil
	}
	return f.getContents(ctx, owner, name, path)
}

func (f *fakeAPI) GetBranch(ctx context.Context, owner, name, branch string) (*github.Branch, error) {
	if f.getBranch == nil {
		return &github.Branch{Name: github.String(branch)}, nil
	}
	return f.getBranch(ctx, owner, name, branch)
}

func (f *fakeAPI) CreateBranchRef(ctx context.Context, owner, name, branch, sha string) error {
	f.createRefCalls++
	if f.createBranchRef == nil {
		return nil
	}
	return f.createBranchRef(ctx, owner, name, branch, sha)
}

func (f *fakeAPI) ListOpenPullRequests(ctx context.Context, owner, name, head, base string) ([]*github.PullRequest, error) {
	if f.listOpenPRs == nil {
		return nil, nil
	}
	return f.listOpenPRs(ctx, owner, name, head, base)
}

func (f *fakeAPI) CreatePullRequest(ctx context.Context, owner, name, title, body, head, base string) (*github.PullRequest, error) {
	f.createPRCalls++
	if f.createPR == nil {
		return &github.PullRequest{
			Number:  github.Int(1),
			HTMLURL: github.String("https://example.invalid/pr/1"),
			State:   github.String("open"),
		}, nil
	}
	return f.createPR(ctx, owner, name, title, body, head, base)
}

func (f *fakeAPI) UpdatePullRequest(ctx context.Context, owner, name string, number int, title, body string) (*github.PullRequest, error) {
	f.updatePRCalls++
	if f.updatePR == nil {
		return &github.PullRequest{
			Number: github.Int(number),
			State:  github.String("open"),
		}, nil
	}
	return f.updatePR(ctx, owner, name, number, title, body)
}

func (f *fakeAPI) ListCheckRunsForRef(ctx context.Context, owner, name, ref string) (*github.ListCheckRunsResults, error) {
	f.listCheckRunCalls++
	if f.listCheckRuns == nil {
		return &github.ListCheckRunsResults{Total: github.Int(0)}, nil
	}
	return f.listCheckRuns(ctx, owner, name, ref)
}

func (f *fakeAPI) ListMergedPullRequests(ctx context.Context, owner, name string, since time.Time) ([]*github.PullRequest, error) {
	if f.listMergedPRs == nil {
		return nil, nil
	}
	return f.listMergedPRs(ctx, owner, name, since)
}

func (f *fakeAPI) ListCommits(ctx context.Context, owner, name string, since time.Time) ([]*github.RepositoryCommit, error) {
	if f.listCommits == nil {
		return nil, nil
	}
	return f.listCommits(ctx, owner, name, since)
}

func notFoundErr() error {
	return &APIError{Status: http.StatusNotFound, Message: "not found"}
}

func noSleep(_ context.Context, _ time.Duration) error {
	return nil
}

var _ API = (*fakeAPI)(nil)
