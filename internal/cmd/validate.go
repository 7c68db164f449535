package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"repokeeper/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config-file.yaml>",
	Short: "Validate a run configuration without executing it",
	Long: `Validate a run configuration file: YAML syntax, required fields, branch
name rules, and that every target path resolves inside the repository root.

Examples:
  repokeeper validate nightly.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("✓ Configuration is valid\n")
	fmt.Printf("  Repository: %s\n", cfg.RepoPath)
	fmt.Printf("  Branch: %s (base %s)\n", cfg.Branch, cfg.BaseBranch)
	fmt.Printf("  Files: %d\n", len(cfg.Files))

	var actions []string
	if cfg.Flags.FormatCode {
		actions = append(actions, "format code")
	}
	if cfg.Flags.UpdateDocs {
		actions = append(actions, "update docs")
	}
	if cfg.Flags.GenerateChangelog {
		actions = append(actions, "generate changelog")
	}
	if cfg.Flags.Fork {
		actions = append(actions, "fork")
	}
	if cfg.Flags.CreatePR {
		actions = append(actions, "create PR")
	}
	if cfg.Flags.WaitForCI {
		actions = append(actions, "wait for CI")
	}
	if len(actions) > 0 {
		fmt.Printf("  Actions: %v\n", actions)
	}
	return nil
}
