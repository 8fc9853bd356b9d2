// Package evaluator scores what an agent produced for a step, either by
// exact comparison with an expected output or by asking an LLM judge about
// each evaluation target.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kaizen-agent/kaizen/pkg/llmjudge"
	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
	"github.com/kaizen-agent/kaizen/pkg/util"
)

// ExpectedOutputTarget names the single score produced by exact matching.
const ExpectedOutputTarget = "expected_output"

// Observation is what one invocation of the agent produced, in plain data.
type Observation struct {
	Return    any
	Variables map[string]any
	Exception *results.Exception
}

type Evaluation struct {
	Scores []results.TargetScore
	Score  float64
	Passed bool
}

type Evaluator struct {
	judge     llmjudge.LLMJudge
	threshold float64
	timeout   time.Duration
	verdicts  *lru.Cache[string, *llmjudge.LLMJudgeResult]
}

type Option func(*Evaluator)

// WithTimeout bounds each judge call.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		e.timeout = d
	}
}

// WithVerdictCache remembers up to size judge verdicts keyed by criteria and
// rendered value, so an output that did not change between attempts is
// scored the same way without another judge call.
func WithVerdictCache(size int) Option {
	return func(e *Evaluator) {
		if size <= 0 {
			return
		}
		cache, err := lru.New[string, *llmjudge.LLMJudgeResult](size)
		if err != nil {
			return
		}
		e.verdicts = cache
	}
}

// New returns an evaluator failing targets that score below threshold. A
// nil judge is looked up from the context of each Evaluate call.
func New(judge llmjudge.LLMJudge, threshold float64, opts ...Option) *Evaluator {
	e := &Evaluator{
		judge:     judge,
		threshold: threshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Evaluate scores obs. With an expected output the return value is compared
// structurally and the targets are not judged. A step that raised gets a 0
// for every target without calling the judge.
func (e *Evaluator) Evaluate(ctx context.Context, obs Observation, targets []suite.EvaluationTarget, expected any) Evaluation {
	if obs.Exception != nil {
		return e.failAll(targets, fmt.Sprintf("not evaluated, the step raised %s: %s", obs.Exception.Kind, obs.Exception.Message))
	}

	if expected != nil {
		return e.exactMatch(obs.Return, expected)
	}

	scores := make([]results.TargetScore, 0, len(targets))
	for _, t := range targets {
		scores = append(scores, e.judgeTarget(ctx, obs, t))
	}

	return e.combine(scores)
}

func (e *Evaluator) failAll(targets []suite.EvaluationTarget, rationale string) Evaluation {
	scores := make([]results.TargetScore, 0, len(targets))
	for _, t := range targets {
		scores = append(scores, results.TargetScore{
			Target:    t.Name,
			Source:    t.Source,
			Rationale: rationale,
			Weight:    weight(t),
		})
	}
	return Evaluation{Scores: scores}
}

func (e *Evaluator) exactMatch(actual, expected any) Evaluation {
	score := results.TargetScore{
		Target: ExpectedOutputTarget,
		Source: suite.SourceReturn,
		Weight: 1,
	}

	if Equal(actual, expected) {
		score.Score = 1
		score.Passed = true
		score.Rationale = "output matches the expected output"
	} else {
		score.Rationale = fmt.Sprintf("expected %s, got %s", llmjudge.Render(expected), llmjudge.Render(actual))
	}

	return e.combine([]results.TargetScore{score})
}

func (e *Evaluator) judgeTarget(ctx context.Context, obs Observation, t suite.EvaluationTarget) results.TargetScore {
	score := results.TargetScore{
		Target: t.Name,
		Source: t.Source,
		Weight: weight(t),
	}

	actual := obs.Return
	if t.Source == suite.SourceVariable {
		v, ok := obs.Variables[t.Name]
		if !ok {
			score.Rationale = fmt.Sprintf("variable %q was not set by the agent", t.Name)
			return score
		}
		actual = v
	}

	judge := e.judge
	if judge == nil {
		var ok bool
		judge, ok = llmjudge.FromContext(ctx)
		if !ok {
			score.Rationale = "no llm judge configured"
			return score
		}
	}

	key := t.Criteria + "\x00" + llmjudge.Render(actual)
	if e.verdicts != nil {
		if res, ok := e.verdicts.Get(key); ok {
			return e.apply(score, res)
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if util.IsVerbose(ctx) {
		fmt.Printf("  → LLM judge '%s' is evaluating %s…\n", judge.ModelName(), t.Name)
	}

	res, err := judge.Judge(llmjudge.WithTarget(ctx, t.Name), t.Criteria, actual)
	if err != nil {
		score.Rationale = fmt.Sprintf("llm judge error: %v", err)
		return score
	}
	if e.verdicts != nil {
		e.verdicts.Add(key, res)
	}
	return e.apply(score, res)
}

func (e *Evaluator) apply(score results.TargetScore, res *llmjudge.LLMJudgeResult) results.TargetScore {
	score.Score = clamp(res.Score)
	score.Passed = score.Score >= e.threshold
	score.Rationale = res.Reason
	return score
}

// combine computes the weighted mean of scores and the step verdict. A step
// that ran without raising and has nothing to judge passes.
func (e *Evaluator) combine(scores []results.TargetScore) Evaluation {
	ev := Evaluation{Scores: scores, Passed: true}
	if len(scores) == 0 {
		ev.Score = 1
		return ev
	}

	weights := make([]float64, len(scores))
	var total float64
	for i, s := range scores {
		weights[i] = s.Weight
		total += s.Weight
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	for i, s := range scores {
		ev.Score += s.Score * weights[i] / total
		if !s.Passed {
			ev.Passed = false
		}
	}
	return ev
}

func weight(t suite.EvaluationTarget) float64 {
	if t.Weight == nil || *t.Weight < 0 || math.IsNaN(*t.Weight) || math.IsInf(*t.Weight, 0) {
		return 1
	}
	return *t.Weight
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// Equal reports whether a and b are the same JSON value. Both are normalized
// through a JSON round trip first so that 1 and 1.0, or a struct and the
// mapping it marshals to, compare equal.
func Equal(a, b any) bool {
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
