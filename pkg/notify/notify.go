package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"repokeeper/pkg/config"
	"repokeeper/pkg/orchestrator"
)

// LogNotifier reports run results through the structured logger. It is always
// wired, so every run leaves a record even without SMTP configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(result orchestrator.RunResult) {
	fields := []zap.Field{
		zap.String("run_id", result.ID.String()),
		zap.String("status", string(result.Status)),
		zap.Bool("dry_run", result.DryRun),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	if result.CommitSHA != "" {
		fields = append(fields, zap.String("commit", result.CommitSHA))
	}
	if result.PR != nil {
		fields = append(fields, zap.Int("pr", result.PR.Number), zap.String("pr_url", result.PR.URL))
	}
	if result.CI != "" {
		fields = append(fields, zap.String("ci", string(result.CI)))
	}
	if len(result.Backups) > 0 {
		fields = append(fields, zap.Strings("backups", result.Backups))
	}
	if result.Err != "" {
		fields = append(fields, zap.String("error", result.Err))
	}

	switch result.Status {
	case orchestrator.StatusSucceeded:
		n.logger.Info("run succeeded", fields...)
	case orchestrator.StatusPartiallyFailed:
		n.logger.Warn("run partially failed", fields...)
	default:
		n.logger.Error("run failed", fields...)
	}
}

// SMTPNotifier mails the run summary. Send failures are logged and swallowed;
// a broken mail server never changes a run's outcome.
type SMTPNotifier struct {
	cfg    config.NotifyConfig
	logger *zap.Logger

	// send is injectable for tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier creates an SMTPNotifier from the notify section of the run
// configuration.
func NewSMTPNotifier(cfg config.NotifyConfig, logger *zap.Logger) *SMTPNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger,
		send:   smtp.SendMail,
	}
}

func (n *SMTPNotifier) Notify(result orchestrator.RunResult) {
	if n.cfg.SMTPHost == "" || len(n.cfg.To) == 0 {
		return
	}

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPass, n.cfg.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, buildMessage(n.cfg, result)); err != nil {
		n.logger.Error("sending notification mail failed",
			zap.String("run_id", result.ID.String()),
			zap.String("smtp", addr),
			zap.Error(err))
	}
}

func buildMessage(cfg config.NotifyConfig, result orchestrator.RunResult) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: repokeeper run %s: %s\r\n", result.ID, result.Status)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Run %s finished with status %s.\r\n\r\n", result.ID, result.Status)
	if result.DryRun {
		b.WriteString("This was a dry run; no changes were made.\r\n\r\n")
	}
	if result.CommitSHA != "" {
		fmt.Fprintf(&b, "Commit: %s\r\n", result.CommitSHA)
	}
	if result.PR != nil {
		fmt.Fprintf(&b, "Pull request: #%d %s\r\n", result.PR.Number, result.PR.URL)
	}
	if result.CI != "" {
		fmt.Fprintf(&b, "CI: %s\r\n", result.CI)
	}
	if result.Err != "" {
		fmt.Fprintf(&b, "Error: %s\r\n", result.Err)
	}

	b.WriteString("\r\nSteps:\r\n")
	for _, step := range result.Steps {
		state := "ok"
		if step.Skipped {
			state = "skipped"
		} else if !step.OK {
			state = "FAILED"
		}
		line := fmt.Sprintf("  %-10s %s", state, step.Name)
		if step.Detail != "" {
			line += " (" + step.Detail + ")"
		}
		b.WriteString(line + "\r\n")
	}
	if len(result.Backups) > 0 {
		b.WriteString("\r\nBackups kept:\r\n")
		for _, backup := range result.Backups {
			fmt.Fprintf(&b, "  %s\r\n", backup)
		}
	}

	return []byte(b.String())
}

// MultiNotifier fans one result out to several sinks.
type MultiNotifier []orchestrator.Notifier

func (m MultiNotifier) Notify(result orchestrator.RunResult) {
	for _, n := range m {
		n.Notify(result)
	}
}
