package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/spf13/cobra"
)

const (
	defaultMaxOutputLines = 8
	defaultMaxLineLength  = 100
)

// NewViewCmd creates the view command for rendering run results.
func NewViewCmd() *cobra.Command {
	var (
		stepFilter     string
		attempt        = -1
		allAttempts    bool
		maxOutputLines = defaultMaxOutputLines
		maxLineLength  = defaultMaxLineLength
	)

	cmd := &cobra.Command{
		Use:   "view <results-file>",
		Short: "Pretty-print run results from a JSON file",
		Long: `Render the JSON output produced by "kaizen test" in a human-friendly format.

By default the kept attempt is shown.

Examples:
  kaizen view kaizen-support-agent-out.json
  kaizen view --all-attempts --step refund results.json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := results.Load(args[0])
			if err != nil {
				return err
			}
			if len(report.Attempts) == 0 {
				return errors.New("no attempts found in results")
			}

			var attempts []*results.AttemptReport
			switch {
			case allAttempts:
				attempts = report.Attempts
			case attempt >= 0:
				if attempt >= len(report.Attempts) {
					return fmt.Errorf("attempt %d not found, the run has %d attempt(s)", attempt, len(report.Attempts))
				}
				attempts = []*results.AttemptReport{report.Attempts[attempt]}
			default:
				attempts = []*results.AttemptReport{report.Best()}
			}

			opts := viewOptions{maxOutputLines: maxOutputLines, maxLineLength: maxLineLength}
			out := cmd.OutOrStdout()

			printRunHeader(out, report)
			for _, a := range attempts {
				filtered := results.Filter(a.Results, stepFilter)
				if len(filtered) == 0 {
					continue
				}

				_, _ = fmt.Fprintln(out)
				printAttemptHeader(out, report, a)
				for _, r := range filtered {
					printExecutionResult(out, r, opts)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&stepFilter, "step", "", "Only show steps whose name contains this value")
	cmd.Flags().IntVar(&attempt, "attempt", attempt, "Show this attempt instead of the kept one (0 = baseline)")
	cmd.Flags().BoolVar(&allAttempts, "all-attempts", false, "Show every attempt")
	cmd.Flags().IntVar(&maxOutputLines, "max-output-lines", maxOutputLines, "Maximum lines to display for outputs and tracebacks")
	cmd.Flags().IntVar(&maxLineLength, "max-line-length", maxLineLength, "Maximum characters per line when formatting outputs")

	return cmd
}

type viewOptions struct {
	maxOutputLines int
	maxLineLength  int
}

func printRunHeader(w io.Writer, report *results.RunReport) {
	bold := color.New(color.Bold)

	_, _ = bold.Fprintf(w, "Suite: %s\n", report.Suite)
	_, _ = fmt.Fprintf(w, "  Run: %s\n", report.RunID)
	_, _ = fmt.Fprintf(w, "  Success rate: %.0f%% → %.0f%% over %d attempt(s)\n", report.BaselineRate*100, report.FinalRate*100, len(report.Attempts))
	for _, warning := range report.Warnings {
		_, _ = color.New(color.FgYellow).Fprintf(w, "  Warning: %s\n", warning)
	}
}

func printAttemptHeader(w io.Writer, report *results.RunReport, a *results.AttemptReport) {
	cyan := color.New(color.FgCyan)

	label := fmt.Sprintf("Attempt %d", a.Index)
	if a.Index == 0 {
		label = "Baseline"
	}
	if a.Index == report.BestAttempt {
		label += " (kept)"
	}
	_, _ = cyan.Fprintf(w, "%s: %d/%d passed\n", label, a.Passed, a.Total)

	if a.LoadError != "" {
		printMultilineField(w, "Load error", a.LoadError)
	}
	if a.Patch != "" {
		printMultilineField(w, "Fix", a.Patch)
	}
	if len(a.ChangedFiles) > 0 {
		_, _ = fmt.Fprintf(w, "  Changed: %s\n", strings.Join(a.ChangedFiles, ", "))
	}
}

func printExecutionResult(w io.Writer, r *results.ExecutionResult, opts viewOptions) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	_, _ = bold.Fprintf(w, "  Step: %s\n", r.Step)
	if r.Description != "" {
		_, _ = fmt.Fprintf(w, "    Description: %s\n", r.Description)
	}

	statusColor := green
	status := "PASSED"
	switch r.Status {
	case results.StatusFailed:
		statusColor, status = red, "FAILED"
	case results.StatusError:
		statusColor, status = red, "ERROR"
	}
	_, _ = statusColor.Fprintf(w, "    Status: %s (score %.2f, %s)\n", status, r.Score, r.Duration)

	if r.Exception != nil {
		printMultilineField(w, "  Error", results.FailureReason(r))
		if tb := strings.TrimSpace(r.Exception.Traceback); tb != "" {
			_, _ = fmt.Fprintln(w, "      Traceback:")
			_, _ = fmt.Fprintln(w, indentBlock(limitMultiline(tb, opts.maxOutputLines, opts.maxLineLength), "        "))
		}
	}

	if r.Return != nil {
		printValue(w, "Output", r.Return, opts)
	}
	names := make([]string, 0, len(r.Variables))
	for name := range r.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printValue(w, "Variable "+name, r.Variables[name], opts)
	}

	for _, s := range r.Scores {
		mark := "✓"
		c := green
		if !s.Passed {
			mark, c = "✗", yellow
		}
		_, _ = c.Fprintf(w, "    %s %s [%s] %.2f\n", mark, s.Target, s.Source, s.Score)
		if reason := normalizeWhitespace(s.Rationale); reason != "" && !s.Passed {
			_, _ = fmt.Fprintln(w, indentBlock(wrapText(reason, opts.maxLineLength), "        "))
		}
	}
}

func printValue(w io.Writer, label string, value any, opts viewOptions) {
	text, ok := value.(string)
	if !ok {
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			text = fmt.Sprintf("%v", value)
		} else {
			text = string(data)
		}
	}

	text = strings.TrimSpace(text)
	if !strings.Contains(text, "\n") {
		_, _ = fmt.Fprintf(w, "    %s: %s\n", label, truncateString(text, opts.maxLineLength))
		return
	}

	_, _ = fmt.Fprintf(w, "    %s:\n", label)
	_, _ = fmt.Fprintln(w, indentBlock(limitMultiline(text, opts.maxOutputLines, opts.maxLineLength), "      "))
}

func limitMultiline(raw string, maxLines, maxLineLength int) string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	limited := make([]string, 0, len(lines))
	for idx, line := range lines {
		if maxLines > 0 && idx >= maxLines {
			limited = append(limited, fmt.Sprintf("… (+%d lines)", len(lines)-idx))
			break
		}
		if maxLineLength > 0 {
			limited = append(limited, strings.Split(wrapText(line, maxLineLength), "\n")...)
		} else {
			limited = append(limited, line)
		}
	}
	return strings.Join(limited, "\n")
}

func truncateString(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return fmt.Sprintf("%s…", strings.TrimSpace(string(runes[:max-1])))
}

func indentBlock(block, indent string) string {
	lines := strings.Split(block, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

func normalizeWhitespace(in string) string {
	in = strings.ReplaceAll(in, "\n", " ")
	in = strings.ReplaceAll(in, "\t", " ")
	return strings.Join(strings.Fields(in), " ")
}

func wrapText(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}

	words := strings.Fields(s)
	if len(words) == 0 {
		return ""
	}

	lines := make([]string, 0)
	current := words[0]

	for _, word := range words[1:] {
		if len(current)+1+len(word) > width {
			lines = append(lines, current)
			current = word
		} else {
			current += " " + word
		}
	}
	lines = append(lines, current)

	return strings.Join(lines, "\n")
}

func printMultilineField(w io.Writer, label, value string) {
	value = strings.TrimRight(value, "\n")
	if !strings.Contains(value, "\n") {
		_, _ = fmt.Fprintf(w, "  %s: %s\n", label, value)
		return
	}

	_, _ = fmt.Fprintf(w, "  %s:\n", label)
	for _, line := range strings.Split(value, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		_, _ = fmt.Fprintf(w, "    %s\n", strings.TrimSpace(line))
	}
}
