// Package results holds the outcome of running a test suite: one
// ExecutionResult per step, one AttemptReport per pass over the steps and
// the RunReport that summarizes all attempts.
package results

import (
	"time"
)

type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// Exception summarizes what went wrong when a step could not produce a
// result: the agent raised, an input could not be built, or the step timed
// out.
type Exception struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// TargetScore is the verdict for one evaluation target of a step.
type TargetScore struct {
	Target    string  `json:"target"`
	Source    string  `json:"source"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
	Rationale string  `json:"rationale,omitempty"`
	Weight    float64 `json:"weight"`
}

// ExecutionResult is the outcome of one step in one attempt.
type ExecutionResult struct {
	Step        string         `json:"step"`
	Index       int            `json:"index"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Return      any            `json:"return,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Exception   *Exception     `json:"exception,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Scores      []TargetScore  `json:"scores,omitempty"`
	Score       float64        `json:"score"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (r *ExecutionResult) Passed() bool {
	return r != nil && r.Status == StatusPassed
}

// FailedTargets returns the targets that scored below the threshold.
func (r *ExecutionResult) FailedTargets() []TargetScore {
	var failed []TargetScore
	for _, s := range r.Scores {
		if !s.Passed {
			failed = append(failed, s)
		}
	}
	return failed
}

// AttemptReport is one full pass over the suite's steps. Attempt 0 is the
// baseline.
type AttemptReport struct {
	Index        int                `json:"index"`
	Results      []*ExecutionResult `json:"results"`
	Passed       int                `json:"passed"`
	Total        int                `json:"total"`
	SuccessRate  float64            `json:"successRate"`
	Patch        string             `json:"patch,omitempty"`
	ChangedFiles []string           `json:"changedFiles,omitempty"`
	// LoadError is set when the patched agent could not be loaded and every
	// step was recorded as an error.
	LoadError string `json:"loadError,omitempty"`
}

// NewAttemptReport counts the passed steps of results and computes the
// success rate. An attempt with no results has a rate of 0.
func NewAttemptReport(index int, results []*ExecutionResult, patch string, changed []string) *AttemptReport {
	a := &AttemptReport{
		Index:        index,
		Results:      results,
		Total:        len(results),
		Patch:        patch,
		ChangedFiles: changed,
	}
	for _, r := range results {
		if r.Passed() {
			a.Passed++
		}
	}
	if a.Total > 0 {
		a.SuccessRate = float64(a.Passed) / float64(a.Total)
	}
	return a
}

func (a *AttemptReport) AllPassed() bool {
	return a.Total > 0 && a.Passed == a.Total
}

// Failing returns the results of the steps that did not pass, in step order.
func (a *AttemptReport) Failing() []*ExecutionResult {
	var failing []*ExecutionResult
	for _, r := range a.Results {
		if !r.Passed() {
			failing = append(failing, r)
		}
	}
	return failing
}

// Result looks up the result of the named step.
func (a *AttemptReport) Result(step string) (*ExecutionResult, bool) {
	for _, r := range a.Results {
		if r.Step == step {
			return r, true
		}
	}
	return nil, false
}

type Change string

const (
	ChangeImprovement Change = "improvement"
	ChangeRegression  Change = "regression"
	ChangeUnchanged   Change = "unchanged"
)

// StepChange compares a step's baseline status with its status in the best
// attempt.
type StepChange struct {
	Step     string `json:"step"`
	Baseline Status `json:"baseline"`
	Best     Status `json:"best"`
	Change   Change `json:"change"`
}

// RunReport is the final artifact of a run.
type RunReport struct {
	RunID        string           `json:"runId"`
	Suite        string           `json:"suite"`
	Attempts     []*AttemptReport `json:"attempts"`
	BestAttempt  int              `json:"bestAttempt"`
	BaselineRate float64          `json:"baselineRate"`
	FinalRate    float64          `json:"finalRate"`
	Delta        float64          `json:"delta"`
	Changes      []StepChange     `json:"changes"`
	Improvements int              `json:"improvements"`
	Regressions  int              `json:"regressions"`
	Unchanged    int              `json:"unchanged"`
	// Warnings collected while loading the agent.
	Warnings []string `json:"warnings,omitempty"`
}

// Passed reports whether every step passed in the best attempt. A report
// with no steps has not passed.
func (r *RunReport) Passed() bool {
	best := r.Best()
	return best != nil && best.AllPassed()
}

// Best returns the kept attempt, or nil when there were no attempts.
func (r *RunReport) Best() *AttemptReport {
	if r.BestAttempt < 0 || r.BestAttempt >= len(r.Attempts) {
		return nil
	}
	return r.Attempts[r.BestAttempt]
}

func (r *RunReport) Baseline() *AttemptReport {
	if len(r.Attempts) == 0 {
		return nil
	}
	return r.Attempts[0]
}
