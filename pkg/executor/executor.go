// Package executor runs the steps of a suite against a loaded agent and
// turns each invocation into a scored ExecutionResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/evaluator"
	"github.com/kaizen-agent/kaizen/pkg/harness/protocol"
	"github.com/kaizen-agent/kaizen/pkg/input"
	"github.com/kaizen-agent/kaizen/pkg/loader"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
	"golang.org/x/sync/errgroup"
)

const (
	ExceptionTimeout = "TimeoutError"
	ExceptionHarness = "HarnessError"
)

// StepCallback is called with every finished step, possibly from several
// goroutines at once.
type StepCallback func(r *results.ExecutionResult)

type Executor struct {
	suite       *suite.TestSuite
	evaluator   *evaluator.Evaluator
	search      *input.SearchPath
	timeout     time.Duration
	concurrency int
	onStep      StepCallback
	now         func() time.Time
}

type Option func(*Executor)

func WithSearchPath(search *input.SearchPath) Option {
	return func(e *Executor) {
		e.search = search
	}
}

func WithStepCallback(cb StepCallback) Option {
	return func(e *Executor) {
		e.onStep = cb
	}
}

func WithConcurrency(n int) Option {
	return func(e *Executor) {
		e.concurrency = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// New returns an executor for the steps of s. Timeout and concurrency come
// from the suite settings unless overridden.
func New(s *suite.TestSuite, ev *evaluator.Evaluator, opts ...Option) *Executor {
	e := &Executor{
		suite:       s,
		evaluator:   ev,
		timeout:     s.Timeout(),
		concurrency: s.Concurrency(),
		onStep:      func(*results.ExecutionResult) {},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.search == nil {
		e.search = input.NewSearchPath()
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	return e
}

// RunAll runs every step of the suite against sess. Steps run concurrently up
// to the configured limit; the returned results are in step order.
func (e *Executor) RunAll(ctx context.Context, sess *loader.Session) []*results.ExecutionResult {
	steps := e.suite.Steps
	out := make([]*results.ExecutionResult, len(steps))
	m := input.NewMaterializer(sess.Objects, e.suite.Dir(), e.search)

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range steps {
		g.Go(func() error {
			out[i] = e.run(ctx, sess.Entry, m, i, steps[i])
			e.onStep(out[i])
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Run runs a single step.
func (e *Executor) Run(ctx context.Context, sess *loader.Session, index int, step suite.TestStep) *results.ExecutionResult {
	m := input.NewMaterializer(sess.Objects, e.suite.Dir(), e.search)
	r := e.run(ctx, sess.Entry, m, index, step)
	e.onStep(r)
	return r
}

// Failed returns a result for a step that could not run at all, for example
// because the agent failed to load.
func Failed(index int, step suite.TestStep, targets []suite.EvaluationTarget, kind, message string, at time.Time) *results.ExecutionResult {
	exc := &results.Exception{Kind: kind, Message: message}
	ev := evaluator.New(nil, 0).Evaluate(context.Background(), evaluator.Observation{Exception: exc}, targets, nil)
	return &results.ExecutionResult{
		Step:        step.Name,
		Index:       index,
		Description: step.Description,
		Status:      results.StatusError,
		Exception:   exc,
		Scores:      ev.Scores,
		Timestamp:   at,
	}
}

func (e *Executor) run(ctx context.Context, entry loader.EntryPoint, m *input.Materializer, index int, step suite.TestStep) *results.ExecutionResult {
	start := e.now()
	obs := e.invoke(ctx, entry, m, step)
	duration := e.now().Sub(start)

	if util.IsVerbose(ctx) {
		fmt.Printf("  → step '%s' finished in %s\n", step.Name, duration.Round(time.Millisecond))
	}

	ev := e.evaluator.Evaluate(ctx, obs, e.suite.Config.Evaluation.Targets, step.ExpectedOutput)

	status := results.StatusFailed
	switch {
	case obs.Exception != nil:
		status = results.StatusError
	case ev.Passed:
		status = results.StatusPassed
	}

	return &results.ExecutionResult{
		Step:        step.Name,
		Index:       index,
		Description: step.Description,
		Status:      status,
		Return:      obs.Return,
		Variables:   obs.Variables,
		Exception:   obs.Exception,
		Duration:    duration,
		Scores:      ev.Scores,
		Score:       ev.Score,
		Timestamp:   start,
	}
}

// invoke materializes the inputs and calls the agent, all within the step
// timeout.
func (e *Executor) invoke(ctx context.Context, entry loader.EntryPoint, m *input.Materializer, step suite.TestStep) evaluator.Observation {
	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args, err := m.MaterializeAll(stepCtx, step.Input)
	if err != nil {
		return evaluator.Observation{Exception: e.exception(stepCtx, err)}
	}

	fresh := !e.suite.Config.Harness.Stateless
	inv, err := entry.Invoke(stepCtx, args, e.suite.VariableNames(), fresh)
	if err != nil {
		return evaluator.Observation{Exception: e.exception(stepCtx, err)}
	}

	obs := evaluator.Observation{
		Return:    plain(inv.Return),
		Variables: make(map[string]any, len(inv.Variables)),
	}
	for name, v := range inv.Variables {
		obs.Variables[name] = v.Plain()
	}
	if inv.Exception != nil {
		obs.Exception = &results.Exception{
			Kind:      inv.Exception.Type,
			Message:   inv.Exception.Message,
			Traceback: inv.Exception.Traceback,
		}
	}
	return obs
}

func (e *Executor) exception(ctx context.Context, err error) *results.Exception {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &results.Exception{
			Kind:    ExceptionTimeout,
			Message: fmt.Sprintf("step did not finish within %s", e.timeout),
		}
	}
	if code, ok := protocol.ErrorCode(err); ok && code == protocol.CodeOperationTimeout {
		return &results.Exception{Kind: ExceptionTimeout, Message: err.Error()}
	}
	if kind, ok := input.Kind(err); ok {
		return &results.Exception{Kind: string(kind), Message: err.Error()}
	}
	return &results.Exception{Kind: ExceptionHarness, Message: err.Error()}
}

func plain(v protocol.Value) any {
	if v.IsZero() {
		return nil
	}
	return v.Plain()
}
