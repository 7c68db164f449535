package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

var (
	// ErrForkTimeout is returned when a requested fork never becomes
	// queryable within the configured wait. Forks are created
	// asynchronously on the remote side.
	ErrForkTimeout = errors.New("forked repository did not become available in time")

	// ErrAmbiguousState is returned when more than one open pull request
	// exists for the same (head, base) pair. The idempotency rule should
	// make this impossible; external tampering can still produce it, and
	// guessing which PR to update would be worse than failing.
	ErrAmbiguousState = errors.New("multiple open pull requests for the same head and base")
)

// APIError is the structured form of a GitHub API failure. Retriable errors
// (rate limits, 5xx, network transients) are eligible for bounded
// exponential-backoff retry; everything else surfaces immediately.
type APIError struct {
	Status    int
	Message   string
	Resource  string
	Retriable bool
	Cause     error
}

func (e *APIError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("github api error for %s (status %d): %s", e.Resource, e.Status, e.Message)
	}
	return fmt.Sprintf("github api error (status %d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// IsRetriable reports whether a retry could plausibly succeed.
func (e *APIError) IsRetriable() bool {
	return e.Retriable
}

// IsRateLimit reports whether the error is a quota exhaustion response.
func (e *APIError) IsRateLimit() bool {
	return e.Status == http.StatusForbidden && e.Retriable
}

// IsNotFound reports whether the error is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// wrapAPIError translates go-github and transport errors into APIError.
func wrapAPIError(err error, resource string) error {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Resource == "" {
			apiErr.Resource = resource
		}
		return apiErr
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &APIError{
			Status:    http.StatusForbidden,
			Message:   fmt.Sprintf("rate limit exceeded, resets at %v", rateErr.Rate.Reset.Time),
			Resource:  resource,
			Retriable: true,
			Cause:     err,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &APIError{
			Status:    http.StatusForbidden,
			Message:   "secondary rate limit triggered",
			Resource:  resource,
			Retriable: true,
			Cause:     err,
		}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		retriable := status >= 500
		if status == http.StatusForbidden && strings.Contains(strings.ToLower(ghErr.Message), "rate limit") {
			retriable = true
		}
		return &APIError{
			Status:    status,
			Message:   ghErr.Message,
			Resource:  resource,
			Retriable: retriable,
			Cause:     err,
		}
	}

	if isNetworkError(err) {
		return &APIError{
			Message:   "network error reaching GitHub",
			Resource:  resource,
			Retriable: true,
			Cause:     err,
		}
	}

	return &APIError{
		Message:   err.Error(),
		Resource:  resource,
		Retriable: false,
		Cause:     err,
	}
}

// isNetworkError matches transport-level failures that carry no HTTP status.
func isNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no such host",
		"i/o timeout",
		"dial tcp",
		"timeout",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// RetryConfig bounds the local retry loop around a single API call.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// DefaultRetryConfig returns the standard bounded-retry policy: three
// attempts, base delay doubling with jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.1,
	}
}
