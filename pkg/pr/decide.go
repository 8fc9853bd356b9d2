package pr

import (
	"fmt"

	"github.com/kaizen-agent/kaizen/pkg/results"
	"github.com/kaizen-agent/kaizen/pkg/suite"
)

type Decision struct {
	Create bool
	Reason string
}

// Decide applies strategy to the outcome of a run. A pull request is never
// proposed when the kept attempt is the baseline or nothing changed.
func Decide(report *results.RunReport, diffs []FileDiff, strategy string) Decision {
	switch {
	case strategy == suite.StrategyNone:
		return Decision{Reason: "pull requests are disabled by the NONE strategy"}
	case report == nil || report.Best() == nil:
		return Decision{Reason: "no attempt was run"}
	case report.BestAttempt == 0:
		return Decision{Reason: "no attempt improved on the baseline"}
	case len(diffs) == 0:
		return Decision{Reason: "the kept attempt changes no file"}
	}

	switch strategy {
	case suite.StrategyAllPassing, "":
		if !report.Passed() {
			return Decision{Reason: fmt.Sprintf("ALL_PASSING requires every step to pass, %d of %d do", report.Best().Passed, report.Best().Total)}
		}
		return Decision{Create: true, Reason: "every step passes"}
	case suite.StrategyAnyImprovement:
		if report.Delta <= 0 {
			return Decision{Reason: "ANY_IMPROVEMENT requires a higher success rate than the baseline"}
		}
		return Decision{Create: true, Reason: fmt.Sprintf("success rate improved by %.0f points", report.Delta*100)}
	default:
		return Decision{Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
}
