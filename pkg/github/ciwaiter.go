package github

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CIWaiter polls the check runs reported for a commit until every check has
// concluded or the deadline elapses. Each poll consumes one rate-limited API
// call.
type CIWaiter struct {
	api    API
	logger *zap.Logger

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewCIWaiter creates a CIWaiter over the given API.
func NewCIWaiter(api API, logger *zap.Logger) *CIWaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CIWaiter{
		api:    api,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// WaitForChecks polls check-run state for the commit at pollInterval until a
// terminal outcome:
//
//   - CIFailed as soon as any check concludes failure, cancelled, timed_out
//     or action_required
//   - CIPassed once every reported check has concluded without failure
//   - CITimedOut when the deadline elapses with checks still pending
//   - CINoChecksConfigured when the deadline elapses and no check was ever
//     reported
//
// The error return is reserved for API or context failures.
func (w *CIWaiter) WaitForChecks(ctx context.Context, owner, name, sha string, timeout, pollInterval time.Duration) (CIOutcome, error) {
	deadline := w.now().Add(timeout)
	sawChecks := false

	for {
		results, err := w.api.ListCheckRunsForRef(ctx, owner, name, sha)
		if err != nil {
			return "", err
		}

		total := 0
		if results != nil {
			total = results.GetTotal()
		}

		if total > 0 {
			sawChecks = true
			allConcluded := true
			anyFailed := false

			for _, run := range results.CheckRuns {
				if run.GetStatus() != "completed" {
					allConcluded = false
					continue
				}
				switch run.GetConclusion() {
				case "failure", "cancelled", "timed_out", "action_required":
					anyFailed = true
				}
			}

			if anyFailed {
				w.logger.Warn("check run concluded unsuccessfully",
					zap.String("sha", sha))
				return CIFailed, nil
			}
			if allConcluded {
				return CIPassed, nil
			}
		}

		if !w.now().Before(deadline) {
			if !sawChecks {
				return CINoChecksConfigured, nil
			}
			return CITimedOut, nil
		}

		w.logger.Debug("checks still pending",
			zap.String("sha", sha),
			zap.Int("total", total))
		if err := w.sleep(ctx, pollInterval); err != nil {
			return "", err
		}
	}
}
