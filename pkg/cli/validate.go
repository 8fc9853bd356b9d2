package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/loader"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/spf13/cobra"
)

// NewValidateCmd creates the validate command
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <suite-file>",
		Short: "Check a test suite file without running it",
		Long: `Parse a test suite, apply defaults and report every structural problem.

The agent file and, when the suite names a region, the region itself must
exist. Nothing is executed.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.FromFile(args[0])
			if err != nil {
				return fmt.Errorf("invalid test suite: %w", err)
			}

			if err := checkRegion(s); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = color.New(color.FgGreen).Fprintf(out, "✓ %s is valid\n", s.Name())
			_, _ = fmt.Fprintf(out, "  Agent file: %s\n", s.Config.FilePath)
			_, _ = fmt.Fprintf(out, "  Steps: %d\n", len(s.Steps))
			_, _ = fmt.Fprintf(out, "  Targets: %d (threshold %.2f)\n", len(s.Config.Evaluation.Targets), s.Threshold())
			if s.Config.AutoFix {
				_, _ = fmt.Fprintf(out, "  Auto-fix: up to %d attempt(s) over %d file(s)\n", s.MaxRetries(), len(s.Config.FilesToFix))
			}

			return nil
		},
	}

	return cmd
}

func checkRegion(s *suite.TestSuite) error {
	if s.Config.Region == "" || s.Config.Region == suite.RegionMain {
		return nil
	}
	source, err := os.ReadFile(s.Config.FilePath)
	if err != nil {
		return fmt.Errorf("invalid test suite: %w", err)
	}
	if _, err := loader.ExtractRegion(string(source), s.Config.Region); err != nil {
		return fmt.Errorf("invalid test suite: %w", err)
	}
	return nil
}
