package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/spf13/cobra"
)

// DiffResult holds the comparison between the kept attempts of two runs
type DiffResult struct {
	BaseStats    results.Stats
	HeadStats    results.Stats
	Regressions  []StepDiff
	Improvements []StepDiff
	New          []StepDiff
	Removed      []StepDiff
}

// StepDiff holds the diff for a single step
type StepDiff struct {
	StepName      string
	BaseStatus    results.Status
	HeadStatus    results.Status
	BaseScore     float64
	HeadScore     float64
	FailureReason string
}

// NewDiffCmd creates the diff command
func NewDiffCmd() *cobra.Command {
	var outputFormat string
	var baseFile string
	var currentFile string

	cmd := &cobra.Command{
		Use:   "diff --base <results-file> --current <results-file>",
		Short: "Compare two run results",
		Long: `Compare the kept attempts of two runs (e.g., main vs PR).

Shows regressions, improvements, and overall success rate changes.
Useful for posting on pull requests to show impact of changes.

Example:
  kaizen diff --base results-main.json --current results-pr.json
  kaizen diff --base results-main.json --current results-pr.json --output markdown`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			baseReport, err := results.Load(baseFile)
			if err != nil {
				return fmt.Errorf("failed to load base results: %w", err)
			}

			currentReport, err := results.Load(currentFile)
			if err != nil {
				return fmt.Errorf("failed to load current results: %w", err)
			}

			diff := calculateDiff(baseFile, currentFile, baseReport, currentReport)

			switch outputFormat {
			case "text":
				outputTextDiff(cmd.OutOrStdout(), diff)
			case "markdown":
				outputMarkdownDiff(cmd.OutOrStdout(), diff)
			default:
				return fmt.Errorf("unknown output format: %s", outputFormat)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&baseFile, "base", "", "Base results file (e.g., main branch)")
	cmd.Flags().StringVar(&currentFile, "current", "", "Current results file (e.g., PR branch)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text, markdown)")

	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("current")

	return cmd
}

func keptResults(report *results.RunReport) []*results.ExecutionResult {
	if best := report.Best(); best != nil {
		return best.Results
	}
	return nil
}

func calculateDiff(baseFile, currentFile string, baseReport, currentReport *results.RunReport) DiffResult {
	diff := DiffResult{
		BaseStats:    results.CalculateStats(baseFile, baseReport),
		HeadStats:    results.CalculateStats(currentFile, currentReport),
		Regressions:  make([]StepDiff, 0),
		Improvements: make([]StepDiff, 0),
		New:          make([]StepDiff, 0),
		Removed:      make([]StepDiff, 0),
	}

	baseResults := keptResults(baseReport)
	currentResults := keptResults(currentReport)

	baseMap := make(map[string]*results.ExecutionResult)
	for _, r := range baseResults {
		baseMap[r.Step] = r
	}

	currentMap := make(map[string]*results.ExecutionResult)
	for _, r := range currentResults {
		currentMap[r.Step] = r
	}

	for _, current := range currentResults {
		base, exists := baseMap[current.Step]
		if !exists {
			diff.New = append(diff.New, StepDiff{
				StepName:   current.Step,
				HeadStatus: current.Status,
				HeadScore:  current.Score,
			})
			continue
		}

		stepDiff := StepDiff{
			StepName:      current.Step,
			BaseStatus:    base.Status,
			HeadStatus:    current.Status,
			BaseScore:     base.Score,
			HeadScore:     current.Score,
			FailureReason: results.FailureReason(current),
		}

		switch results.Classify(base.Status, current.Status) {
		case results.ChangeRegression:
			diff.Regressions = append(diff.Regressions, stepDiff)
		case results.ChangeImprovement:
			diff.Improvements = append(diff.Improvements, stepDiff)
		}
	}

	for _, base := range baseResults {
		if _, exists := currentMap[base.Step]; !exists {
			diff.Removed = append(diff.Removed, StepDiff{
				StepName:   base.Step,
				BaseStatus: base.Status,
				BaseScore:  base.Score,
			})
		}
	}

	return diff
}

func outputTextDiff(w io.Writer, diff DiffResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	_, _ = bold.Fprintln(w, "=== Run Diff ===")
	_, _ = fmt.Fprintln(w)

	if len(diff.Regressions) > 0 {
		_, _ = red.Fprintf(w, "Regressions (%d):\n", len(diff.Regressions))
		for _, r := range diff.Regressions {
			_, _ = red.Fprintf(w, "  ✗ %s: %s → %s\n", r.StepName, r.BaseStatus, r.HeadStatus)
			if r.FailureReason != "" {
				_, _ = fmt.Fprintf(w, "      %s\n", r.FailureReason)
			}
		}
		_, _ = fmt.Fprintln(w)
	}

	if len(diff.Improvements) > 0 {
		_, _ = green.Fprintf(w, "Improvements (%d):\n", len(diff.Improvements))
		for _, r := range diff.Improvements {
			_, _ = green.Fprintf(w, "  ✓ %s: %s → %s\n", r.StepName, r.BaseStatus, r.HeadStatus)
		}
		_, _ = fmt.Fprintln(w)
	}

	if len(diff.New) > 0 {
		_, _ = yellow.Fprintf(w, "New Steps (%d):\n", len(diff.New))
		for _, r := range diff.New {
			if r.HeadStatus == results.StatusPassed {
				_, _ = green.Fprintf(w, "  + %s: passed\n", r.StepName)
			} else {
				_, _ = red.Fprintf(w, "  + %s: %s\n", r.StepName, r.HeadStatus)
			}
		}
		_, _ = fmt.Fprintln(w)
	}

	if len(diff.Removed) > 0 {
		_, _ = yellow.Fprintf(w, "Removed Steps (%d):\n", len(diff.Removed))
		for _, r := range diff.Removed {
			_, _ = fmt.Fprintf(w, "  - %s\n", r.StepName)
		}
		_, _ = fmt.Fprintln(w)
	}

	_, _ = bold.Fprintln(w, "=== Summary ===")
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "             Base        Head        Change\n")
	_, _ = fmt.Fprintf(w, "Steps:       %d/%-8d %d/%-8d ",
		diff.BaseStats.StepsPassed, diff.BaseStats.StepsTotal,
		diff.HeadStats.StepsPassed, diff.HeadStats.StepsTotal)
	printChange(w, diff.HeadStats.FinalRate-diff.BaseStats.FinalRate)
}

func printChange(w io.Writer, change float64) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	if change > 0 {
		_, _ = green.Fprintf(w, "+%.1f%%\n", change*100)
	} else if change < 0 {
		_, _ = red.Fprintf(w, "%.1f%%\n", change*100)
	} else {
		_, _ = fmt.Fprintln(w, "0.0%")
	}
}

func outputMarkdownDiff(w io.Writer, diff DiffResult) {
	_, _ = fmt.Fprintln(w, "### 📊 Agent Test Results")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "| Metric | Base | Head | Change |")
	_, _ = fmt.Fprintln(w, "|--------|------|------|--------|")
	_, _ = fmt.Fprintf(w, "| Steps | %d/%d (%.1f%%) | %d/%d (%.1f%%) | %s |\n",
		diff.BaseStats.StepsPassed, diff.BaseStats.StepsTotal, diff.BaseStats.FinalRate*100,
		diff.HeadStats.StepsPassed, diff.HeadStats.StepsTotal, diff.HeadStats.FinalRate*100,
		formatChangeMarkdown(diff.HeadStats.FinalRate-diff.BaseStats.FinalRate))

	if len(diff.Regressions) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "#### ❌ Regressions (%d)\n", len(diff.Regressions))
		for _, r := range diff.Regressions {
			_, _ = fmt.Fprintf(w, "- `%s`: %s → %s", r.StepName, r.BaseStatus, r.HeadStatus)
			if r.FailureReason != "" {
				_, _ = fmt.Fprintf(w, " - %s", r.FailureReason)
			}
			_, _ = fmt.Fprintln(w)
		}
	}

	if len(diff.Improvements) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "#### ✅ Improvements (%d)\n", len(diff.Improvements))
		for _, r := range diff.Improvements {
			_, _ = fmt.Fprintf(w, "- `%s`: %s → %s\n", r.StepName, r.BaseStatus, r.HeadStatus)
		}
	}

	if len(diff.New) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "#### 🆕 New Steps (%d)\n", len(diff.New))
		for _, r := range diff.New {
			_, _ = fmt.Fprintf(w, "- `%s`: %s\n", r.StepName, r.HeadStatus)
		}
	}

	if len(diff.Removed) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "#### 🗑️ Removed Steps (%d)\n", len(diff.Removed))
		for _, r := range diff.Removed {
			_, _ = fmt.Fprintf(w, "- `%s`\n", r.StepName)
		}
	}
}

func formatChangeMarkdown(change float64) string {
	if change > 0 {
		return fmt.Sprintf("🟢 +%.1f%%", change*100)
	} else if change < 0 {
		return fmt.Sprintf("🔴 %.1f%%", change*100)
	}
	return "➖ 0.0%"
}
