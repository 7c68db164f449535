package github

// PullRequestRef identifies the pull request a run created or updated.
// Never more than one open PR exists per (head, base) pair within a run.
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	State  string `json:"state"`
}

// CIOutcome is the terminal result of waiting on a commit's check runs.
type CIOutcome string

const (
	// CIPassed means every reported check concluded successfully.
	CIPassed CIOutcome = "passed"

	// CIFailed means at least one check concluded failure, cancelled,
	// timed_out or action_required.
	CIFailed CIOutcome = "failed"

	// CITimedOut means checks were still pending when the deadline elapsed.
	CITimedOut CIOutcome = "timed_out"

	// CINoChecksConfigured means no check run was ever reported for the
	// commit before the deadline.
	CINoChecksConfigured CIOutcome = "no_checks_configured"
)

// Passed reports whether the outcome counts as a successful CI gate.
func (o CIOutcome) Passed() bool {
	return o == CIPassed || o == CINoChecksConfigured
}
