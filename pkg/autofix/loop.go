// Package autofix runs a suite, and while steps fail, asks a fix generator
// for new sources of the files under repair, retests and keeps whichever
// attempt passed the most steps.
package autofix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kaizen-agent/kaizen/pkg/executor"
	"github.com/kaizen-agent/kaizen/pkg/fixer"
	"github.com/kaizen-agent/kaizen/pkg/loader"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
)

type State string

const (
	StateBaseline  State = "BASELINE"
	StateImproving State = "IMPROVING"
	StateDone      State = "DONE"
)

// ExceptionLoad is the exception kind of steps in an attempt whose patched
// agent failed to load.
const ExceptionLoad = "LoadError"

// AgentLoader loads the agent of a suite onto a fresh worker.
type AgentLoader interface {
	Load(ctx context.Context, s *suite.TestSuite) (*loader.Session, error)
}

// Runner runs every step of the suite against a loaded agent, returning the
// results in step order.
type Runner interface {
	RunAll(ctx context.Context, sess *loader.Session) []*results.ExecutionResult
}

// Outcome is what a finished loop leaves behind.
type Outcome struct {
	Report *results.RunReport
	// Baseline and Best are the contents of the files under repair before
	// the run and in the kept attempt. Both are nil when auto-fix is off.
	Baseline Snapshot
	Best     Snapshot
}

type Loop struct {
	suite      *suite.TestSuite
	loader     AgentLoader
	runner     Runner
	generator  fixer.Generator
	workspace  *Workspace
	progress   ProgressCallback
	log        util.LogHandler
	autoFix    bool
	maxRetries int
	fixTimeout time.Duration
	runID      string
	now        func() time.Time
}

type Option func(*Loop)

func WithProgress(cb ProgressCallback) Option {
	return func(l *Loop) {
		l.progress = cb
	}
}

func WithLogHandler(log util.LogHandler) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// WithAutoFix overrides the suite's autoFix flag.
func WithAutoFix(enabled bool) Option {
	return func(l *Loop) {
		l.autoFix = enabled
	}
}

// WithMaxRetries overrides the suite's maxRetries.
func WithMaxRetries(n int) Option {
	return func(l *Loop) {
		l.maxRetries = n
	}
}

// WithFixTimeout bounds each call to the fix generator. It defaults to the
// suite timeout.
func WithFixTimeout(d time.Duration) Option {
	return func(l *Loop) {
		l.fixTimeout = d
	}
}

func WithRunID(id string) Option {
	return func(l *Loop) {
		l.runID = id
	}
}

// New returns a loop for s. generator may be nil when auto-fix is off.
func New(s *suite.TestSuite, agents AgentLoader, runner Runner, generator fixer.Generator, opts ...Option) *Loop {
	l := &Loop{
		suite:      s,
		loader:     agents,
		runner:     runner,
		generator:  generator,
		workspace:  NewWorkspace(s.Config.FilesToFix),
		progress:   NoopProgressCallback,
		log:        util.NoopLogHandler,
		autoFix:    s.Config.AutoFix,
		maxRetries: s.MaxRetries(),
		fixTimeout: s.Timeout(),
		runID:      uuid.NewString(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxRetries < 0 {
		l.maxRetries = 0
	}
	return l
}

// run is the mutable state of one Run call.
type run struct {
	state     State
	attempts  []*results.AttemptReport
	kept      map[int]bool
	best      int
	baseline  Snapshot
	bestFiles Snapshot
	// dirty is set once the files on disk may differ from bestFiles.
	dirty    bool
	warnings []string
}

// Run executes the baseline and, if enabled, the fix attempts. Only a
// baseline that cannot be loaded or files that cannot be read are returned
// as errors; everything else ends up in the report. When Run returns, the
// files under repair hold the kept attempt's content.
func (l *Loop) Run(ctx context.Context) (out *Outcome, err error) {
	r := &run{state: StateBaseline, kept: map[int]bool{0: true}}

	fixing := l.autoFix && l.generator != nil && len(l.workspace.Paths()) > 0
	if l.autoFix && !fixing {
		l.log("warn", "auto-fix is enabled but there is no fix generator or no file to fix", nil)
	}

	if fixing {
		r.baseline, err = l.workspace.Capture()
		if err != nil {
			return nil, err
		}
		r.bestFiles = r.baseline
	}

	defer func() {
		if !r.dirty {
			return
		}
		if restoreErr := l.workspace.Apply(r.bestFiles); restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore the kept files: %w", restoreErr))
		}
	}()

	l.progress(ProgressEvent{Type: EventRunStart, State: r.state, Message: l.suite.Name()})

	_, warnings, err := l.attempt(ctx, r, 0, "", nil)
	if err != nil {
		return nil, err
	}
	r.warnings = warnings

	r.state = l.next(r, fixing)
	for r.state == StateImproving {
		if ctx.Err() != nil {
			break
		}
		r.state = l.improve(ctx, r)
	}

	report := results.Aggregate(l.runID, l.suite.Name(), r.attempts)
	report.Warnings = r.warnings

	l.progress(ProgressEvent{Type: EventRunComplete, State: StateDone, Attempt: report.BestAttempt, Message: fmt.Sprintf("kept attempt %d", report.BestAttempt)})

	return &Outcome{
		Report:   report,
		Baseline: r.baseline,
		Best:     r.bestFiles,
	}, ctx.Err()
}

// next decides whether another fix attempt is due.
func (l *Loop) next(r *run, fixing bool) State {
	switch {
	case !fixing:
		return StateDone
	case r.attempts[r.best].AllPassed():
		return StateDone
	case len(r.attempts)-1 >= l.maxRetries:
		return StateDone
	default:
		return StateImproving
	}
}

// improve runs one fix attempt and returns the next state.
func (l *Loop) improve(ctx context.Context, r *run) State {
	index := len(r.attempts)

	req := l.request(r)
	l.progress(ProgressEvent{Type: EventFixRequested, State: StateImproving, Attempt: index, Message: fmt.Sprintf("%d failing step(s)", len(req.FailingSteps))})

	proposal, err := l.proposeFix(ctx, req)
	if err != nil {
		msg := err.Error()
		if !errors.Is(err, fixer.ErrNoFixAvailable) {
			msg = fmt.Sprintf("fix generator failed: %v", err)
			l.log("warn", msg, map[string]any{"attempt": index})
		}
		l.progress(ProgressEvent{Type: EventFixUnavailable, State: StateDone, Attempt: index, Message: msg})
		return StateDone
	}

	changes := l.filter(index, proposal)
	candidate := r.bestFiles.Overlay(changes)
	changed := r.bestFiles.Changed(candidate)
	if len(changed) == 0 {
		l.progress(ProgressEvent{Type: EventFixUnavailable, State: StateDone, Attempt: index, Message: "the proposed fix changes none of the files to fix"})
		return StateDone
	}

	l.progress(ProgressEvent{Type: EventFixProposed, State: StateImproving, Attempt: index, Message: proposal.Description, Files: changed})

	r.dirty = true
	if err := l.workspace.Apply(candidate); err != nil {
		l.log("error", fmt.Sprintf("failed to apply the proposed fix: %v", err), map[string]any{"attempt": index})
		return StateDone
	}

	report, _, err := l.attempt(ctx, r, index, proposal.Description, changed)
	if err != nil {
		// attempt only fails for the baseline
		return StateDone
	}

	if report.SuccessRate > r.attempts[r.best].SuccessRate {
		r.best = index
		r.kept[index] = true
		r.bestFiles = candidate
		l.progress(ProgressEvent{Type: EventBestAttempt, State: StateImproving, Attempt: index, Report: report})
	} else {
		if err := l.workspace.Apply(r.bestFiles); err != nil {
			l.log("error", fmt.Sprintf("failed to restore the kept files: %v", err), map[string]any{"attempt": index})
			return StateDone
		}
		l.progress(ProgressEvent{Type: EventFilesRestored, State: StateImproving, Attempt: index, Files: changed})
	}

	return l.next(r, true)
}

func (l *Loop) proposeFix(ctx context.Context, req *fixer.Request) (*fixer.Proposal, error) {
	if l.fixTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.fixTimeout)
		defer cancel()
	}

	proposal, err := l.generator.ProposeFix(ctx, req)
	if err != nil {
		return nil, err
	}
	if proposal == nil || len(proposal.Files) == 0 {
		return nil, fixer.ErrNoFixAvailable
	}
	return proposal, nil
}

// filter drops the proposed edits to files outside the workspace.
func (l *Loop) filter(index int, proposal *fixer.Proposal) map[string]string {
	changes := make(map[string]string, len(proposal.Files))
	var discarded []string
	for _, path := range proposal.Paths() {
		resolved, ok := l.workspace.Resolve(path, l.suite.Dir())
		if !ok {
			discarded = append(discarded, path)
			continue
		}
		changes[resolved] = proposal.Files[path]
	}

	if len(discarded) > 0 {
		msg := fmt.Sprintf("discarded edits to files outside filesToFix: %v", discarded)
		l.log("warn", msg, map[string]any{"attempt": index, "files": discarded})
		l.progress(ProgressEvent{Type: EventEditDiscarded, State: StateImproving, Attempt: index, Message: msg, Files: discarded})
	}
	return changes
}

// attempt loads the agent and runs every step. A load failure is fatal for
// the baseline; for later attempts it is recorded as an attempt in which
// every step errored.
func (l *Loop) attempt(ctx context.Context, r *run, index int, patch string, changed []string) (*results.AttemptReport, []string, error) {
	state := StateImproving
	if index == 0 {
		state = StateBaseline
	}
	l.progress(ProgressEvent{Type: EventAttemptStart, State: state, Attempt: index})

	sess, err := l.loader.Load(ctx, l.suite)
	if err != nil {
		if index == 0 {
			return nil, nil, err
		}
		l.progress(ProgressEvent{Type: EventLoadFailed, State: state, Attempt: index, Message: err.Error()})

		at := l.now()
		stepResults := make([]*results.ExecutionResult, len(l.suite.Steps))
		for i, step := range l.suite.Steps {
			stepResults[i] = executor.Failed(i, step, l.suite.Config.Evaluation.Targets, ExceptionLoad, err.Error(), at)
		}
		report := results.NewAttemptReport(index, stepResults, patch, changed)
		report.LoadError = err.Error()
		l.finish(r, state, report)
		return report, nil, nil
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			l.log("debug", fmt.Sprintf("failed to stop harness worker: %v", closeErr), nil)
		}
	}()

	for _, w := range sess.Warnings {
		l.progress(ProgressEvent{Type: EventLoadWarning, State: state, Attempt: index, Message: w})
	}

	stepResults := l.runner.RunAll(ctx, sess)
	for _, sr := range stepResults {
		l.progress(ProgressEvent{Type: EventStepComplete, State: state, Attempt: index, Step: sr})
	}

	report := results.NewAttemptReport(index, stepResults, patch, changed)
	l.finish(r, state, report)
	return report, sess.Warnings, nil
}

func (l *Loop) finish(r *run, state State, report *results.AttemptReport) {
	r.attempts = append(r.attempts, report)
	l.progress(ProgressEvent{Type: EventAttemptComplete, State: state, Attempt: report.Index, Report: report})
}

// request describes the failing steps of the kept attempt, whose files are
// the ones on disk.
func (l *Loop) request(r *run) *fixer.Request {
	best := r.attempts[r.best]
	req := &fixer.Request{
		Suite: l.suite.Name(),
		Agent: l.agentName(),
		Files: r.bestFiles.Clone(),
	}

	for _, res := range best.Failing() {
		fs := fixer.FailingStep{
			Name:        res.Step,
			Description: res.Description,
			Output:      res.Return,
			Variables:   res.Variables,
			Failures:    results.CollectFailedTargets(res),
		}
		if res.Index >= 0 && res.Index < len(l.suite.Steps) {
			step := l.suite.Steps[res.Index]
			fs.Expected = step.ExpectedOutput
			fs.Inputs = renderInputs(step.Input)
		}
		if res.Exception != nil {
			fs.Error = fmt.Sprintf("%s: %s", res.Exception.Kind, res.Exception.Message)
			if res.Exception.Traceback != "" {
				fs.Error += "\n" + res.Exception.Traceback
			}
		}
		req.FailingSteps = append(req.FailingSteps, fs)
	}

	for _, a := range r.attempts[1:] {
		req.History = append(req.History, fixer.AttemptSummary{
			Index:       a.Index,
			SuccessRate: a.SuccessRate,
			Description: a.Patch,
			Kept:        r.kept[a.Index],
		})
	}

	return req
}

func (l *Loop) agentName() string {
	if a := l.suite.Config.Agent; a != nil {
		if a.Class != "" {
			return fmt.Sprintf("%s.%s.%s", a.Module, a.Class, a.Method)
		}
		return fmt.Sprintf("%s.%s", a.Module, a.Method)
	}
	return fmt.Sprintf("region %s of %s", l.suite.Config.Region, l.suite.Config.FilePath)
}

func renderInputs(specs []suite.InputSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		data, err := json.Marshal(spec)
		if err != nil {
			out = append(out, fmt.Sprintf("%s (%s)", spec.InputName(), spec.InputType()))
			continue
		}
		out = append(out, string(data))
	}
	return out
}
