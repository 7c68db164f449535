package github

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

// minRemainingFloor is the fixed lower bound of the safety floor. The floor
// is the larger of this and 1% of the window.
const minRemainingFloor = 10

// RateLimitSnapshot is a point-in-time copy of the shared rate-limit state.
type RateLimitSnapshot struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// RateLimitState is the shared, synchronized record of the token's remaining
// API quota. GitHub rate limits are per token, so one state instance must be
// shared across every client using the same token; it is passed explicitly
// rather than hidden in a singleton so that sharing stays visible.
type RateLimitState struct {
	mu        sync.Mutex
	remaining int
	limit     int
	reset     time.Time
}

// NewRateLimitState starts from GitHub's default authenticated window so the
// first calls are never throttled before real headers arrive.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{
		remaining: 5000,
		limit:     5000,
		reset:     time.Now().Add(time.Hour),
	}
}

// Update records the quota from a response's rate headers.
func (s *RateLimitState) Update(remaining, limit int, reset time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	if limit > 0 {
		s.limit = limit
	}
	if !reset.IsZero() {
		s.reset = reset
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *RateLimitState) Snapshot() RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RateLimitSnapshot{Remaining: s.remaining, Limit: s.limit, Reset: s.reset}
}

// SafetyFloor is the remaining-quota threshold below which calls pause until
// the window resets.
func (s RateLimitSnapshot) SafetyFloor() int {
	floor := s.Limit / 100
	if floor < minRemainingFloor {
		floor = minRemainingFloor
	}
	return floor
}

// AtFloor reports whether the next call must wait for the reset.
func (s RateLimitSnapshot) AtFloor() bool {
	return s.Remaining <= s.SafetyFloor()
}

// Limiter gates API calls on the shared rate-limit state. Before each call
// Wait blocks until the window has quota; after each call Record feeds the
// response headers back into the state, regardless of call outcome.
type Limiter struct {
	state  *RateLimitState
	logger *zap.Logger

	// sleep is injectable for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a Limiter over the given shared state.
func NewLimiter(state *RateLimitState, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		state:  state,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Wait blocks until it is safe to issue the next API call. Cancellation of
// the context aborts the wait.
func (l *Limiter) Wait(ctx context.Context) error {
	snap := l.state.Snapshot()
	if !snap.AtFloor() {
		return nil
	}

	delay := time.Until(snap.Reset)
	if delay <= 0 {
		return nil
	}

	l.logger.Warn("rate limit safety floor reached, pausing until reset",
		zap.Int("remaining", snap.Remaining),
		zap.Int("floor", snap.SafetyFloor()),
		zap.Time("reset", snap.Reset))

	return l.sleep(ctx, delay)
}

// Record updates the shared state from a response's rate headers.
func (l *Limiter) Record(resp *github.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	l.state.Update(resp.Rate.Remaining, resp.Rate.Limit, resp.Rate.Reset.Time)
}

// State exposes the shared record, e.g. for reporting.
func (l *Limiter) State() *RateLimitState {
	return l.state
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
