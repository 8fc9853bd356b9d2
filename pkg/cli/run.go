package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kaizen-agent/kaizen/pkg/autofix"
	"github.com/kaizen-agent/kaizen/pkg/evaluator"
	"github.com/kaizen-agent/kaizen/pkg/executor"
	"github.com/kaizen-agent/kaizen/pkg/fixer"
	"github.com/kaizen-agent/kaizen/pkg/input"
	"github.com/kaizen-agent/kaizen/pkg/llmjudge"
	"github.com/kaizen-agent/kaizen/pkg/loader"
	"github.com/kaizen-agent/kaizen/pkg/pr"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
	"github.com/spf13/cobra"
)

// verdictCacheSize bounds how many judge verdicts a run remembers.
const verdictCacheSize = 256

type prGatewayFactory func(dir string) pr.Gateway

func defaultGateway(dir string) pr.Gateway {
	return pr.NewGitHubCLI(dir)
}

type testFlags struct {
	outputFormat string
	verbose      bool
	autoFix      bool
	maxRetries   int
	createPR     bool
	prStrategy   string
	baseBranch   string
	concurrency  int
	timeout      string
	harness      string
}

// NewTestCmd creates the test command
func NewTestCmd(opts ...Option) *cobra.Command {
	o := &options{gateway: defaultGateway}
	for _, opt := range opts {
		opt(o)
	}
	return newTestCmd(o)
}

func newTestCmd(o *options) *cobra.Command {
	f := &testFlags{}

	cmd := &cobra.Command{
		Use:   "test <suite-file>",
		Short: "Run a test suite and optionally fix the agent",
		Long: `Run every step of a test suite against the agent it names.

With --auto-fix, failing steps are sent to an LLM that rewrites the files
listed in config.filesToFix. The best attempt is kept on disk and, with
--create-pr, proposed as a pull request.

Exits with code 0 only if every step of the kept attempt passes.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.FromFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to load test suite: %w", err)
			}

			if err := f.apply(cmd, s); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = util.WithVerbose(ctx, f.verbose)

			display := newProgressDisplay(cmd.OutOrStdout(), f.verbose)

			out, runErr := runSuite(ctx, s, o, display)
			if out == nil {
				return fmt.Errorf("test run failed: %w", runErr)
			}
			report := out.Report

			outputFile := fmt.Sprintf("kaizen-%s-out.json", s.Name())
			if err := results.Save(outputFile, report); err != nil {
				return fmt.Errorf("failed to save results to file: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n📄 Results saved to: %s\n", outputFile)

			if err := displayReport(cmd.OutOrStdout(), report, f.outputFormat); err != nil {
				return fmt.Errorf("failed to display results: %w", err)
			}

			if runErr != nil {
				return fmt.Errorf("test run interrupted: %w", runErr)
			}

			if s.Config.PR.Create {
				if err := proposePR(ctx, cmd.OutOrStdout(), s, out, o.gateway); err != nil {
					return err
				}
			}

			if !report.Passed() {
				best := report.Best()
				if best == nil {
					return errors.New("no step was run")
				}
				return fmt.Errorf("%d of %d steps failing", best.Total-best.Passed, best.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&f.outputFormat, "output", "o", "text", "Output format (text, json)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Verbose output")
	cmd.Flags().BoolVar(&f.autoFix, "auto-fix", false, "Let an LLM fix failing steps (overrides config.autoFix)")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", suite.DefaultMaxRetries, "Maximum number of fix attempts (overrides config.maxRetries)")
	cmd.Flags().BoolVar(&f.createPR, "create-pr", false, "Open a pull request with the kept fix (overrides config.pr.create)")
	cmd.Flags().StringVar(&f.prStrategy, "pr-strategy", suite.StrategyAllPassing, "When to open a pull request: ALL_PASSING, ANY_IMPROVEMENT or NONE")
	cmd.Flags().StringVar(&f.baseBranch, "base-branch", suite.DefaultBaseBranch, "Branch the pull request targets")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", suite.DefaultConcurrency, "Number of steps run at once")
	cmd.Flags().StringVar(&f.timeout, "timeout", suite.DefaultTimeout.String(), "Timeout for each step, judge call and fix call")
	cmd.Flags().StringVar(&f.harness, "harness", "", "Command that starts the harness worker (overrides config.harness.command)")

	return cmd
}

// apply copies the flags the user set onto s and validates the result.
func (f *testFlags) apply(cmd *cobra.Command, s *suite.TestSuite) error {
	flags := cmd.Flags()
	cfg := &s.Config

	if flags.Changed("auto-fix") {
		cfg.AutoFix = f.autoFix
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = &f.maxRetries
	}
	if flags.Changed("create-pr") {
		cfg.PR.Create = f.createPR
	}
	if flags.Changed("pr-strategy") {
		cfg.PR.Strategy = strings.ToUpper(f.prStrategy)
	}
	if flags.Changed("base-branch") {
		cfg.PR.BaseBranch = f.baseBranch
	}
	if flags.Changed("concurrency") {
		cfg.Settings.Concurrency = &f.concurrency
	}
	if flags.Changed("timeout") {
		cfg.Settings.Timeout = f.timeout
	}
	if flags.Changed("harness") {
		cfg.Harness.Command = f.harness
	}

	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid test suite: %w", err)
	}
	return nil
}

// runSuite wires the components for s and runs the loop.
func runSuite(ctx context.Context, s *suite.TestSuite, o *options, display *progressDisplay) (*autofix.Outcome, error) {
	var judge llmjudge.LLMJudge
	if cfg := s.Config.Evaluation.LLMJudge; cfg != nil {
		j, err := llmjudge.NewLLMJudge(cfg)
		if err != nil {
			return nil, err
		}
		judge = j
	} else if needsJudge(s) {
		return nil, errors.New("config.evaluation.llmJudge is required to score evaluation targets")
	}

	var generator fixer.Generator
	if s.Config.AutoFix {
		g, err := fixer.NewGenerator(s.Config.Fixer)
		if err != nil {
			return nil, err
		}
		generator = g
	}

	connector, err := loader.ConnectorFor(s, o.harness)
	if err != nil {
		return nil, err
	}

	search := input.NewSearchPath()
	ev := evaluator.New(judge, s.Threshold(), evaluator.WithTimeout(s.Timeout()), evaluator.WithVerdictCache(verdictCacheSize))
	runner := executor.New(s, ev,
		executor.WithSearchPath(search),
		executor.WithConcurrency(s.Concurrency()),
		executor.WithTimeout(s.Timeout()),
	)

	loop := autofix.New(s, loader.New(connector, search, display.handleLog), runner, generator,
		autofix.WithProgress(display.handleProgress),
		autofix.WithLogHandler(display.handleLog),
	)

	return loop.Run(ctx)
}

// needsJudge reports whether some step is scored by the judge rather than by
// its expected output.
func needsJudge(s *suite.TestSuite) bool {
	if len(s.Config.Evaluation.Targets) == 0 {
		return false
	}
	for _, step := range s.Steps {
		if step.ExpectedOutput == nil {
			return true
		}
	}
	return false
}

func proposePR(ctx context.Context, w io.Writer, s *suite.TestSuite, out *autofix.Outcome, gateway prGatewayFactory) error {
	bold := color.New(color.Bold)

	diffs := pr.Diff(out.Baseline, out.Best)
	decision := pr.Decide(out.Report, diffs, s.Config.PR.Strategy)

	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "=== Pull Request ===")
	if !decision.Create {
		_, _ = fmt.Fprintf(w, "Skipped: %s\n", decision.Reason)
		return nil
	}

	req, err := pr.BuildRequest(out.Report, diffs, s.Config.PR.BaseBranch, s.Config.PR.BranchPrefix)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	url, err := gateway(s.Dir()).Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}

	_, _ = color.New(color.FgGreen).Fprintf(w, "✓ Opened %s\n", url)
	return nil
}

// progressDisplay handles interactive progress display
type progressDisplay struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	green   *color.Color
	red     *color.Color
	yellow  *color.Color
	cyan    *color.Color
	bold    *color.Color
}

func newProgressDisplay(out io.Writer, verbose bool) *progressDisplay {
	return &progressDisplay{
		out:     out,
		verbose: verbose,
		green:   color.New(color.FgGreen),
		red:     color.New(color.FgRed),
		yellow:  color.New(color.FgYellow),
		cyan:    color.New(color.FgCyan),
		bold:    color.New(color.Bold),
	}
}

func (d *progressDisplay) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}

func (d *progressDisplay) handleProgress(event autofix.ProgressEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch event.Type {
	case autofix.EventRunStart:
		_, _ = d.bold.Fprintf(d.out, "\n=== Testing %s ===\n", event.Message)

	case autofix.EventAttemptStart:
		d.printf("\n")
		if event.Attempt == 0 {
			_, _ = d.cyan.Fprintln(d.out, "Baseline")
		} else {
			_, _ = d.cyan.Fprintf(d.out, "Attempt %d\n", event.Attempt)
		}

	case autofix.EventLoadWarning:
		_, _ = d.yellow.Fprintf(d.out, "  ! %s\n", event.Message)

	case autofix.EventLoadFailed:
		_, _ = d.red.Fprintf(d.out, "  ✗ Agent failed to load: %s\n", event.Message)

	case autofix.EventStepComplete:
		d.printStep(event.Step)

	case autofix.EventAttemptComplete:
		r := event.Report
		c := d.red
		if r.AllPassed() {
			c = d.green
		}
		_, _ = c.Fprintf(d.out, "  %d/%d steps passed (%.0f%%)\n", r.Passed, r.Total, r.SuccessRate*100)

	case autofix.EventFixRequested:
		d.printf("  → Requesting a fix for %s...\n", event.Message)

	case autofix.EventFixProposed:
		d.printf("  → Fix proposed for %s\n", strings.Join(event.Files, ", "))
		if d.verbose && event.Message != "" {
			d.printf("    %s\n", event.Message)
		}

	case autofix.EventFixUnavailable:
		_, _ = d.yellow.Fprintf(d.out, "  ~ No fix: %s\n", event.Message)

	case autofix.EventEditDiscarded:
		_, _ = d.yellow.Fprintf(d.out, "  ~ %s\n", event.Message)

	case autofix.EventBestAttempt:
		_, _ = d.green.Fprintf(d.out, "  ✓ Attempt %d is the best so far\n", event.Attempt)

	case autofix.EventFilesRestored:
		if d.verbose {
			d.printf("  → Restored %s\n", strings.Join(event.Files, ", "))
		}

	case autofix.EventRunComplete:
		d.printf("\n")
		_, _ = d.bold.Fprintln(d.out, "=== Run Complete ===")
	}
}

func (d *progressDisplay) printStep(r *results.ExecutionResult) {
	switch r.Status {
	case results.StatusPassed:
		_, _ = d.green.Fprintf(d.out, "  ✓ %s (%.2f)\n", r.Step, r.Score)
	case results.StatusFailed:
		_, _ = d.red.Fprintf(d.out, "  ✗ %s (%.2f)\n", r.Step, r.Score)
	default:
		_, _ = d.red.Fprintf(d.out, "  ✗ %s: %s\n", r.Step, results.FailureReason(r))
	}

	if !d.verbose {
		return
	}
	for _, failure := range results.CollectFailedTargets(r) {
		d.printf("      - %s\n", failure)
	}
}

// handleLog prints errors always and everything else only when verbose.
// Warnings that matter also arrive as progress events.
func (d *progressDisplay) handleLog(level, message string, data map[string]any) {
	if level != "error" && !d.verbose {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch level {
	case "error":
		_, _ = d.red.Fprintf(d.out, "  [%s] %s\n", level, message)
	case "warn", "warning":
		_, _ = d.yellow.Fprintf(d.out, "  [%s] %s\n", level, message)
	default:
		d.printf("  [%s] %s\n", level, message)
	}
}

func displayReport(w io.Writer, report *results.RunReport, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)

	case "text":
		displayTextReport(w, report)
		return nil

	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func displayTextReport(w io.Writer, report *results.RunReport) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	bold := color.New(color.Bold)

	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "=== Results Summary ===")
	_, _ = fmt.Fprintln(w)

	best := report.Best()
	if best == nil {
		_, _ = fmt.Fprintln(w, "No attempt was run")
		return
	}

	for _, r := range best.Results {
		_, _ = fmt.Fprintf(w, "Step: %s\n", r.Step)
		if r.Description != "" {
			_, _ = fmt.Fprintf(w, "  Description: %s\n", r.Description)
		}

		switch r.Status {
		case results.StatusPassed:
			_, _ = green.Fprintf(w, "  Status: PASSED (score %.2f)\n", r.Score)
		case results.StatusFailed:
			_, _ = red.Fprintf(w, "  Status: FAILED (score %.2f)\n", r.Score)
		default:
			_, _ = red.Fprintf(w, "  Status: ERROR\n")
		}

		if r.Exception != nil {
			_, _ = fmt.Fprintf(w, "  Error: %s\n", results.FailureReason(r))
		}
		for _, failure := range results.CollectFailedTargets(r) {
			_, _ = yellow.Fprintf(w, "    - %s\n", failure)
		}
		_, _ = fmt.Fprintln(w)
	}

	_, _ = bold.Fprintln(w, "=== Overall Statistics ===")
	_, _ = fmt.Fprintf(w, "Attempts: %d (kept attempt %d)\n", len(report.Attempts), report.BestAttempt)

	if best.AllPassed() {
		_, _ = green.Fprintf(w, "Steps Passed: %d/%d\n", best.Passed, best.Total)
	} else {
		_, _ = fmt.Fprintf(w, "Steps Passed: %d/%d\n", best.Passed, best.Total)
	}

	_, _ = fmt.Fprintf(w, "Success Rate: %.0f%% → %.0f%% (%+.0f points)\n", report.BaselineRate*100, report.FinalRate*100, report.Delta*100)
	if len(report.Attempts) > 1 {
		_, _ = fmt.Fprintf(w, "Improvements: %d, Regressions: %d, Unchanged: %d\n", report.Improvements, report.Regressions, report.Unchanged)
	}
	for _, warning := range report.Warnings {
		_, _ = yellow.Fprintf(w, "Warning: %s\n", warning)
	}
}
