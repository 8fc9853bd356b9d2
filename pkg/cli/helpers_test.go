package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kaizen-agent/kaizen/pkg/results"
)

// createTestResultsFile creates a temporary results file for testing
func createTestResultsFile(t *testing.T, report *results.RunReport) string {
	t.Helper()

	filePath := filepath.Join(t.TempDir(), "results.json")
	if err := results.Save(filePath, report); err != nil {
		t.Fatalf("failed to write results file: %v", err)
	}

	return filePath
}

func step(index int, name string, status results.Status, score float64) *results.ExecutionResult {
	r := &results.ExecutionResult{
		Step:      name,
		Index:     index,
		Status:    status,
		Return:    "reply to " + name,
		Score:     score,
		Duration:  120 * time.Millisecond,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Scores: []results.TargetScore{
			{Target: "reply", Source: "return", Score: score, Passed: status == results.StatusPassed, Rationale: "judged", Weight: 1},
		},
	}
	if status == results.StatusError {
		r.Scores[0].Rationale = "the agent raised ValueError"
		r.Exception = &results.Exception{Kind: "ValueError", Message: "bad input", Traceback: "line 1\nline 2"}
	}
	return r
}

// sampleReport returns a run whose baseline passes one of three steps and
// whose single fix attempt passes two.
func sampleReport() *results.RunReport {
	baseline := results.NewAttemptReport(0, []*results.ExecutionResult{
		step(0, "step-1", results.StatusPassed, 0.9),
		step(1, "step-2", results.StatusFailed, 0.3),
		step(2, "step-3", results.StatusError, 0),
	}, "", nil)
	fixed := results.NewAttemptReport(1, []*results.ExecutionResult{
		step(0, "step-1", results.StatusPassed, 0.9),
		step(1, "step-2", results.StatusPassed, 0.8),
		step(2, "step-3", results.StatusError, 0),
	}, "Ask for the order number", []string{"/repo/agent.py"})

	return results.Aggregate("run-1", "support", []*results.AttemptReport{baseline, fixed})
}

// sampleReportImproved returns a run where every step passes, step-3 is
// renamed to step-4.
func sampleReportImproved() *results.RunReport {
	attempt := results.NewAttemptReport(0, []*results.ExecutionResult{
		step(0, "step-1", results.StatusPassed, 0.9),
		step(1, "step-2", results.StatusPassed, 0.7),
		step(2, "step-4", results.StatusPassed, 0.8),
	}, "", nil)

	return results.Aggregate("run-2", "support", []*results.AttemptReport{attempt})
}

func sampleReportRegressed() *results.RunReport {
	attempt := results.NewAttemptReport(0, []*results.ExecutionResult{
		step(0, "step-1", results.StatusFailed, 0.2),
		step(1, "step-2", results.StatusPassed, 0.8),
		step(2, "step-3", results.StatusError, 0),
	}, "", nil)

	return results.Aggregate("run-3", "support", []*results.AttemptReport{attempt})
}
