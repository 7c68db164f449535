package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "90s" or "5m" parse from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileChangeSpec describes one target file and the content it should hold
// after the run. Consumed once per run; the pre-mutation bytes survive only
// as the backup artifact written by the workspace guard.
type FileChangeSpec struct {
	Path    string `yaml:"path" validate:"required"`
	Content string `yaml:"content"`
}

// Flags holds the optional capabilities of a run. Each flag maps to exactly
// one optional transition in the orchestrator state machine.
type Flags struct {
	Fork              bool `yaml:"fork"`
	FormatCode        bool `yaml:"format_code"`
	UpdateDeps        bool `yaml:"update_deps"`
	UpdateDocs        bool `yaml:"update_docs"`
	GenerateChangelog bool `yaml:"generate_changelog"`
	CreatePR          bool `yaml:"create_pr"`
	WaitForCI         bool `yaml:"wait_for_ci"`
	DryRun            bool `yaml:"dry_run"`
}

// NotifyConfig configures the outbound notification sinks.
type NotifyConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUser string   `yaml:"smtp_user"`
	SMTPPass string   `yaml:"smtp_pass"`
	From     string   `yaml:"from" validate:"omitempty,email"`
	To       []string `yaml:"to" validate:"dive,email"`
}

// RunConfig is the validated input of a single maintenance run.
type RunConfig struct {
	// RepoPath is the local working tree. RemoteURL is cloned into it when
	// the path does not contain a repository yet.
	RepoPath  string `yaml:"repo_path" validate:"required"`
	RemoteURL string `yaml:"remote_url"`

	// Owner and Name identify the repository on GitHub. Required only when a
	// PR or CI step is requested.
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`

	Branch     string `yaml:"branch" validate:"required"`
	BaseBranch string `yaml:"base_branch"`
	Remote     string `yaml:"remote"`

	CommitPrefix  string `yaml:"commit_prefix"`
	CommitMessage string `yaml:"commit_message"`

	PRTitle string `yaml:"pr_title"`
	PRBody  string `yaml:"pr_body"`

	Files []FileChangeSpec `yaml:"files" validate:"dive"`
	Flags Flags            `yaml:"flags"`

	LockTimeout    Duration `yaml:"lock_timeout"`
	ForkTimeout    Duration `yaml:"fork_timeout"`
	CITimeout      Duration `yaml:"ci_timeout"`
	CIPollInterval Duration `yaml:"ci_poll_interval"`

	GitAuthorName  string `yaml:"git_author_name"`
	GitAuthorEmail string `yaml:"git_author_email"`

	Notify NotifyConfig `yaml:"notify"`
}

const (
	DefaultBaseBranch     = "main"
	DefaultRemote         = "origin"
	DefaultCommitPrefix   = "Auto-update: "
	DefaultCommitMessage  = "scheduled maintenance"
	DefaultLockTimeout    = 30 * time.Second
	DefaultForkTimeout    = 2 * time.Minute
	DefaultCITimeout      = time.Hour
	DefaultCIPollInterval = time.Minute
)

// branch names: the conservative subset that survives both git and the
// GitHub refs API without escaping
var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Load reads, defaults and validates a run configuration file.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset optional fields with their documented defaults.
func (c *RunConfig) ApplyDefaults() {
	if c.BaseBranch == "" {
		c.BaseBranch = DefaultBaseBranch
	}
	if c.Remote == "" {
		c.Remote = DefaultRemote
	}
	if c.CommitPrefix == "" {
		c.CommitPrefix = DefaultCommitPrefix
	}
	if c.CommitMessage == "" {
		c.CommitMessage = DefaultCommitMessage
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = Duration(DefaultLockTimeout)
	}
	if c.ForkTimeout == 0 {
		c.ForkTimeout = Duration(DefaultForkTimeout)
	}
	if c.CITimeout == 0 {
		c.CITimeout = Duration(DefaultCITimeout)
	}
	if c.CIPollInterval == 0 {
		c.CIPollInterval = Duration(DefaultCIPollInterval)
	}
	if c.GitAuthorName == "" {
		c.GitAuthorName = "repokeeper"
	}
	if c.GitAuthorEmail == "" {
		c.GitAuthorEmail = "repokeeper@localhost"
	}
}

// Validate checks struct tags and the cross-field invariants the orchestrator
// relies on. The orchestrator itself never re-validates.
func (c *RunConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !branchNameRe.MatchString(c.Branch) || strings.Contains(c.Branch, "..") {
		return fmt.Errorf("invalid branch name %q", c.Branch)
	}
	if !branchNameRe.MatchString(c.BaseBranch) || strings.Contains(c.BaseBranch, "..") {
		return fmt.Errorf("invalid base branch name %q", c.BaseBranch)
	}

	if len(c.Files) == 0 && !c.hasPROnlyAction() {
		return fmt.Errorf("file list must not be empty when no PR-only action is requested")
	}

	for _, f := range c.Files {
		if err := c.validateTargetPath(f.Path); err != nil {
			return err
		}
	}

	if c.Flags.CreatePR || c.Flags.WaitForCI || c.Flags.GenerateChangelog {
		if c.Owner == "" || c.Name == "" {
			return fmt.Errorf("owner and name are required when a GitHub API step is requested")
		}
	}

	return nil
}

// hasPROnlyAction reports whether the run performs useful work without any
// FileChangeSpec. Transformer flags count: they produce their own changes.
func (c *RunConfig) hasPROnlyAction() bool {
	return c.Flags.CreatePR || c.Flags.GenerateChangelog ||
		c.Flags.FormatCode || c.Flags.UpdateDeps || c.Flags.UpdateDocs
}

// validateTargetPath rejects targets that would resolve outside RepoPath.
func (c *RunConfig) validateTargetPath(target string) error {
	if target == "" {
		return fmt.Errorf("file path must not be empty")
	}
	if filepath.IsAbs(target) {
		return fmt.Errorf("file path %q must be relative to the repository root", target)
	}
	clean := filepath.Clean(target)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("file path %q escapes the repository root", target)
	}
	return nil
}

// ResolveTarget joins a validated relative target with the repository root.
func (c *RunConfig) ResolveTarget(target string) string {
	return filepath.Join(c.RepoPath, filepath.Clean(target))
}
