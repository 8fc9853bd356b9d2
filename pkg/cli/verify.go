package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/spf13/cobra"
)

// NewVerifyCmd creates the verify command
func NewVerifyCmd() *cobra.Command {
	var rateThreshold float64
	var maxRegressions int

	cmd := &cobra.Command{
		Use:   "verify <results-file>",
		Short: "Verify run results meet thresholds",
		Long: `Verify that the kept attempt of a run meets a minimum success rate and
did not regress more steps than allowed.

Exits with code 0 if all thresholds are met, code 1 otherwise.
Use 'kaizen summary' to view detailed results.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resultsFile := args[0]

			report, err := results.Load(resultsFile)
			if err != nil {
				return fmt.Errorf("failed to load results file: %w", err)
			}

			stats := results.CalculateStats(resultsFile, report)

			rateMet := stats.StepsTotal > 0 && stats.FinalRate >= rateThreshold
			// A negative limit disables the regression check
			regressionsMet := maxRegressions < 0 || stats.Regressions <= maxRegressions
			passed := rateMet && regressionsMet

			outputVerifyResults(cmd.OutOrStdout(), stats, rateThreshold, maxRegressions, rateMet, regressionsMet, passed)

			if !passed {
				// silent error (SilenceErrors: true), sets exit code 1
				return fmt.Errorf("thresholds not met")
			}

			return nil
		},
	}

	cmd.Flags().Float64Var(&rateThreshold, "rate", 1.0, "Minimum success rate of the kept attempt (0.0-1.0)")
	cmd.Flags().IntVar(&maxRegressions, "max-regressions", -1, "Maximum number of regressed steps (-1 = unlimited)")

	return cmd
}

func outputVerifyResults(w io.Writer, stats results.Stats, rateThreshold float64, maxRegressions int, rateMet, regressionsMet, passed bool) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	bold := color.New(color.Bold)

	_, _ = bold.Fprintln(w, "=== Threshold Verification ===")
	_, _ = fmt.Fprintln(w)

	if rateMet {
		_, _ = green.Fprintf(w, "Success Rate: %.2f%% >= %.2f%% ✓\n", stats.FinalRate*100, rateThreshold*100)
	} else {
		_, _ = red.Fprintf(w, "Success Rate: %.2f%% < %.2f%% ✗\n", stats.FinalRate*100, rateThreshold*100)
	}

	switch {
	case maxRegressions < 0:
		_, _ = fmt.Fprintf(w, "Regressions:  %d (no limit)\n", stats.Regressions)
	case regressionsMet:
		_, _ = green.Fprintf(w, "Regressions:  %d <= %d ✓\n", stats.Regressions, maxRegressions)
	default:
		_, _ = red.Fprintf(w, "Regressions:  %d > %d ✗\n", stats.Regressions, maxRegressions)
	}

	_, _ = fmt.Fprintln(w)
	if passed {
		_, _ = green.Fprintln(w, "Result: PASSED")
	} else {
		_, _ = red.Fprintln(w, "Result: FAILED")
	}
}
