package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/spf13/cobra"
)

// NewSummaryCmd creates the summary command
func NewSummaryCmd() *cobra.Command {
	var outputFormat string
	var stepFilter string

	cmd := &cobra.Command{
		Use:   "summary <results-file>",
		Short: "Summarize run results",
		Long: `Print the statistics of a run and one line per step of the kept attempt.

Use 'kaizen view' for outputs, variables and judge rationales.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resultsFile := args[0]

			report, err := results.Load(resultsFile)
			if err != nil {
				return fmt.Errorf("failed to load results file: %w", err)
			}

			stats := results.CalculateStats(resultsFile, report)

			switch outputFormat {
			case "json":
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(stats)
			case "text":
				outputTextSummary(cmd.OutOrStdout(), stats, report, stepFilter)
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text, json)")
	cmd.Flags().StringVar(&stepFilter, "step", "", "Only list steps whose name contains this value")

	return cmd
}

func outputTextSummary(w io.Writer, stats results.Stats, report *results.RunReport, stepFilter string) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	bold := color.New(color.Bold)

	_, _ = bold.Fprintf(w, "=== %s ===\n", stats.Suite)
	_, _ = fmt.Fprintf(w, "Results file: %s\n", stats.ResultsFile)
	_, _ = fmt.Fprintf(w, "Attempts: %d (kept %d)\n", stats.Attempts, stats.BestAttempt)
	_, _ = fmt.Fprintf(w, "Steps: %d passed, %d failed, %d errored of %d\n",
		stats.StepsPassed, stats.StepsTotal-stats.StepsPassed-stats.StepsErrored, stats.StepsErrored, stats.StepsTotal)
	_, _ = fmt.Fprintf(w, "Success rate: %.2f%% → %.2f%% (%+.2f)\n", stats.BaselineRate*100, stats.FinalRate*100, stats.Delta*100)
	if stats.Attempts > 1 {
		_, _ = fmt.Fprintf(w, "Improvements: %d, Regressions: %d\n", stats.Improvements, stats.Regressions)
	}

	best := report.Best()
	if best == nil {
		return
	}

	_, _ = fmt.Fprintln(w)
	for _, r := range results.Filter(best.Results, stepFilter) {
		if r.Passed() {
			_, _ = green.Fprintf(w, "✓ %s\n", r.Step)
			continue
		}
		_, _ = red.Fprintf(w, "✗ %s", r.Step)
		if reason := results.FailureReason(r); reason != "" {
			_, _ = fmt.Fprintf(w, ": %s", truncateString(normalizeWhitespace(reason), defaultMaxLineLength))
		}
		_, _ = fmt.Fprintln(w)
	}
}
