package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"repokeeper/pkg/github"
)

// Status is the terminal state of one run.
type Status string

const (
	// StatusSucceeded means every requested action completed.
	StatusSucceeded Status = "succeeded"

	// StatusPartiallyFailed means the local work landed (committed and
	// pushed) but a later remote action — fork, pull request, CI — did not
	// complete cleanly.
	StatusPartiallyFailed Status = "partially_failed"

	// StatusFailed means the run stopped before its changes were safely
	// recorded; local file writes were rolled back where possible.
	StatusFailed Status = "failed"
)

// StepOutcome records one step of the run for reporting.
type StepOutcome struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// RunResult is the immutable report of one run. It is handed to the notifier
// exactly once, after the terminal status is decided.
type RunResult struct {
	ID         uuid.UUID              `json:"id"`
	Status     Status                 `json:"status"`
	DryRun     bool                   `json:"dry_run"`
	Steps      []StepOutcome          `json:"steps"`
	Backups    []string               `json:"backups,omitempty"`
	CommitSHA  string                 `json:"commit_sha,omitempty"`
	PR         *github.PullRequestRef `json:"pr,omitempty"`
	CI         github.CIOutcome       `json:"ci,omitempty"`
	Err        string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

func (r *RunResult) addStep(name string, err error) {
	step := StepOutcome{Name: name, OK: err == nil}
	if err != nil {
		step.Detail = err.Error()
	}
	r.Steps = append(r.Steps, step)
}

func (r *RunResult) skipStep(name, detail string) {
	r.Steps = append(r.Steps, StepOutcome{Name: name, OK: true, Skipped: true, Detail: detail})
}

// ExitCode maps the terminal status onto the process exit convention:
// 0 success, 1 failure, 2 partial failure.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case StatusSucceeded:
		return 0
	case StatusPartiallyFailed:
		return 2
	default:
		return 1
	}
}
