package results

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Stats holds computed statistics from a run report.
type Stats struct {
	ResultsFile  string  `json:"resultsFile"`
	Suite        string  `json:"suite"`
	Attempts     int     `json:"attempts"`
	BestAttempt  int     `json:"bestAttempt"`
	StepsTotal   int     `json:"stepsTotal"`
	StepsPassed  int     `json:"stepsPassed"`
	StepsErrored int     `json:"stepsErrored"`
	BaselineRate float64 `json:"baselineRate"`
	FinalRate    float64 `json:"finalRate"`
	Delta        float64 `json:"delta"`
	Improvements int     `json:"improvements"`
	Regressions  int     `json:"regressions"`
}

// Load reads a JSON results file written by Save.
func Load(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	report := &RunReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("failed to parse results JSON: %w", err)
	}

	return report, nil
}

// Save writes report to path as indented JSON.
func Save(path string, report *RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	return nil
}

// Filter returns the subset of results whose step names contain the filter substring.
func Filter(results []*ExecutionResult, filter string) []*ExecutionResult {
	if filter == "" {
		return results
	}

	filter = strings.ToLower(filter)
	filtered := make([]*ExecutionResult, 0, len(results))
	for _, r := range results {
		if strings.Contains(strings.ToLower(r.Step), filter) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// CalculateStats computes statistics over the best attempt of a report.
func CalculateStats(resultsFile string, report *RunReport) Stats {
	stats := Stats{
		ResultsFile:  resultsFile,
		Suite:        report.Suite,
		Attempts:     len(report.Attempts),
		BestAttempt:  report.BestAttempt,
		BaselineRate: report.BaselineRate,
		FinalRate:    report.FinalRate,
		Delta:        report.Delta,
		Improvements: report.Improvements,
		Regressions:  report.Regressions,
	}

	best := report.Best()
	if best == nil {
		return stats
	}

	stats.StepsTotal = best.Total
	stats.StepsPassed = best.Passed
	for _, r := range best.Results {
		if r.Status == StatusError {
			stats.StepsErrored++
		}
	}

	return stats
}

// FailureReason returns the first reason a step did not pass.
func FailureReason(r *ExecutionResult) string {
	if r.Exception != nil {
		if r.Exception.Kind == "" {
			return r.Exception.Message
		}
		return fmt.Sprintf("%s: %s", r.Exception.Kind, r.Exception.Message)
	}
	for _, s := range r.Scores {
		if !s.Passed {
			return fmt.Sprintf("%s: %s", s.Target, s.Rationale)
		}
	}
	return ""
}

// CollectFailedTargets returns a list of formatted failure messages.
func CollectFailedTargets(r *ExecutionResult) []string {
	var failures []string
	for _, s := range r.FailedTargets() {
		failures = append(failures, fmt.Sprintf("%s (%.2f): %s", s.Target, s.Score, s.Rationale))
	}
	return failures
}
