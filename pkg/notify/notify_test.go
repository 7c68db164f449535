package notify

import (
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"repokeeper/pkg/config"
	"repokeeper/pkg/github"
	"repokeeper/pkg/orchestrator"
)

func sampleResult(status orchestrator.Status) orchestrator.RunResult {
	started := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	return orchestrator.RunResult{
		ID:        uuid.MustParse("a2a94cde-7d6a-4c8e-9f7e-000000000001"),
		Status:    status,
		CommitSHA: "abc123",
		PR:        &github.PullRequestRef{Number: 7, URL: "https://example.invalid/pr/7"},
		CI:        github.CIPassed,
		Backups:   []string{"/repo/VERSION.bak.1"},
		Steps: []orchestrator.StepOutcome{
			{Name: "commit", OK: true},
			{Name: "push", OK: true},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
}

func TestLogNotifier_LevelTracksStatus(t *testing.T) {
	for _, tt := range []struct {
		status    orchestrator.Status
		wantLevel string
	}{
		{orchestrator.StatusSucceeded, "info"},
		{orchestrator.StatusPartiallyFailed, "warn"},
		{orchestrator.StatusFailed, "error"},
	} {
		t.Run(string(tt.status), func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			NewLogNotifier(zap.New(core)).Notify(sampleResult(tt.status))

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.wantLevel, entry.Level.String())
			assert.Equal(t, string(tt.status), entry.ContextMap()["status"])
		})
	}
}

func TestSMTPNotifier_SendsSummary(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	n := NewSMTPNotifier(config.NotifyConfig{
		SMTPHost: "mail.example.com",
		SMTPPort: 587,
		From:     "bot@example.com",
		To:       []string{"team@example.com"},
	}, nil)
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	n.Notify(sampleResult(orchestrator.StatusSucceeded))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "bot@example.com", gotFrom)
	assert.Equal(t, []string{"team@example.com"}, gotTo)

	body := string(gotMsg)
	assert.Contains(t, body, "Subject: repokeeper run")
	assert.Contains(t, body, "status succeeded")
	assert.Contains(t, body, "Commit: abc123")
	assert.Contains(t, body, "Pull request: #7")
	assert.Contains(t, body, "/repo/VERSION.bak.1")
}

func TestSMTPNotifier_SendFailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := NewSMTPNotifier(config.NotifyConfig{
		SMTPHost: "mail.example.com",
		SMTPPort: 25,
		To:       []string{"team@example.com"},
	}, zap.New(core))
	n.send = func(_ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		return errors.New("connection refused")
	}

	// Must not panic or propagate.
	n.Notify(sampleResult(orchestrator.StatusFailed))

	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "notification mail failed")
}

func TestSMTPNotifier_SkipsWhenUnconfigured(t *testing.T) {
	sent := false
	n := NewSMTPNotifier(config.NotifyConfig{}, nil)
	n.send = func(_ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		sent = true
		return nil
	}

	n.Notify(sampleResult(orchestrator.StatusSucceeded))
	assert.False(t, sent)
}

func TestMultiNotifier_FansOut(t *testing.T) {
	var calls int
	counting := orchestrator.NotifierFunc(func(orchestrator.RunResult) { calls++ })

	MultiNotifier{counting, counting, counting}.Notify(sampleResult(orchestrator.StatusSucceeded))
	assert.Equal(t, 3, calls)
}
