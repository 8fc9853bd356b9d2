package results

import (
	"os"
	"path/filepath"
	"testing"
)

func step(name string, status Status, score float64) *ExecutionResult {
	r := &ExecutionResult{Step: name, Status: status, Score: score}
	switch status {
	case StatusError:
		r.Exception = &Exception{Kind: "ValueError", Message: "boom"}
		r.Scores = []TargetScore{{Target: "return", Score: 0, Rationale: "step raised"}}
	case StatusFailed:
		r.Scores = []TargetScore{{Target: "return", Score: score, Rationale: "too vague"}}
	default:
		r.Scores = []TargetScore{{Target: "return", Score: score, Passed: true, Rationale: "ok"}}
	}
	return r
}

// sampleReport returns a baseline with one failing step and an attempt that
// fixes it.
func sampleReport() *RunReport {
	return Aggregate("run-1", "support", []*AttemptReport{
		NewAttemptReport(0, []*ExecutionResult{
			step("refund", StatusFailed, 0.3),
			step("greeting", StatusPassed, 0.9),
			step("escalate", StatusError, 0),
		}, "", nil),
		NewAttemptReport(1, []*ExecutionResult{
			step("refund", StatusPassed, 0.9),
			step("greeting", StatusPassed, 0.9),
			step("escalate", StatusError, 0),
		}, "tighten refund prompt", []string{"agent.py"}),
	})
}

func TestCalculateStats(t *testing.T) {
	stats := CalculateStats("test.json", sampleReport())

	if stats.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", stats.Attempts)
	}

	if stats.BestAttempt != 1 {
		t.Errorf("BestAttempt = %d, want 1", stats.BestAttempt)
	}

	if stats.StepsTotal != 3 {
		t.Errorf("StepsTotal = %d, want 3", stats.StepsTotal)
	}

	if stats.StepsPassed != 2 {
		t.Errorf("StepsPassed = %d, want 2", stats.StepsPassed)
	}

	if stats.StepsErrored != 1 {
		t.Errorf("StepsErrored = %d, want 1", stats.StepsErrored)
	}

	if stats.Improvements != 1 || stats.Regressions != 0 {
		t.Errorf("Improvements/Regressions = %d/%d, want 1/0", stats.Improvements, stats.Regressions)
	}
}

func TestCalculateStatsEmptyReport(t *testing.T) {
	stats := CalculateStats("empty.json", Aggregate("run-0", "empty", nil))

	if stats.StepsTotal != 0 {
		t.Errorf("StepsTotal = %d, want 0", stats.StepsTotal)
	}

	if stats.FinalRate != 0 {
		t.Errorf("FinalRate = %f, want 0", stats.FinalRate)
	}

	if stats.BestAttempt != -1 {
		t.Errorf("BestAttempt = %d, want -1", stats.BestAttempt)
	}
}

func TestSaveAndLoad(t *testing.T) {
	report := sampleReport()
	filePath := filepath.Join(t.TempDir(), "results.json")

	if err := Save(filePath, report); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(filePath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.RunID != "run-1" {
		t.Errorf("RunID = %s, want run-1", loaded.RunID)
	}

	if len(loaded.Attempts) != 2 {
		t.Fatalf("loaded %d attempts, want 2", len(loaded.Attempts))
	}

	if loaded.Attempts[1].Results[0].Step != "refund" {
		t.Errorf("first step = %s, want refund", loaded.Attempts[1].Results[0].Step)
	}

	if loaded.Attempts[0].Results[2].Exception == nil {
		t.Error("expected the exception of the errored step to survive a round trip")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/results.json")
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(filePath, []byte("not json"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := Load(filePath)
	if err == nil {
		t.Error("expected error for invalid JSON, got nil")
	}
}

func TestFilter(t *testing.T) {
	stepResults := sampleReport().Attempts[0].Results

	tests := []struct {
		name     string
		filter   string
		expected int
	}{
		{"existing step", "refund", 1},
		{"case insensitive", "GREETING", 1},
		{"nonexistent step", "step-999", 0},
		{"empty filter returns all", "", 3},
		{"partial match", "e", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := Filter(stepResults, tt.filter)
			if len(filtered) != tt.expected {
				t.Errorf("Filter(%q) returned %d results, want %d", tt.filter, len(filtered), tt.expected)
			}
		})
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name     string
		result   *ExecutionResult
		expected string
	}{
		{"exception wins", step("x", StatusError, 0), "ValueError: boom"},
		{"failed target", step("x", StatusFailed, 0.2), "return: too vague"},
		{"passed", step("x", StatusPassed, 1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureReason(tt.result); got != tt.expected {
				t.Errorf("FailureReason() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCollectFailedTargets(t *testing.T) {
	failures := CollectFailedTargets(step("x", StatusFailed, 0.25))

	if len(failures) != 1 {
		t.Fatalf("len(failures) = %d, want 1", len(failures))
	}

	if failures[0] != "return (0.25): too vague" {
		t.Errorf("failures[0] = %s, want 'return (0.25): too vague'", failures[0])
	}
}
