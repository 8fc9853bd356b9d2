package results

// Aggregate builds the run report for attempts. It is a pure function of its
// arguments; attempts are expected in index order with the baseline first.
func Aggregate(runID, suiteName string, attempts []*AttemptReport) *RunReport {
	report := &RunReport{
		RunID:       runID,
		Suite:       suiteName,
		Attempts:    attempts,
		BestAttempt: BestAttempt(attempts),
	}

	baseline := report.Baseline()
	best := report.Best()
	if baseline == nil || best == nil {
		report.BestAttempt = -1
		return report
	}

	report.BaselineRate = baseline.SuccessRate
	report.FinalRate = best.SuccessRate
	report.Delta = report.FinalRate - report.BaselineRate

	for _, r := range baseline.Results {
		bestStatus := StatusError
		if br, ok := best.Result(r.Step); ok {
			bestStatus = br.Status
		}

		change := Classify(r.Status, bestStatus)
		switch change {
		case ChangeImprovement:
			report.Improvements++
		case ChangeRegression:
			report.Regressions++
		default:
			report.Unchanged++
		}

		report.Changes = append(report.Changes, StepChange{
			Step:     r.Step,
			Baseline: r.Status,
			Best:     bestStatus,
			Change:   change,
		})
	}

	return report
}

// BestAttempt returns the position of the attempt with the highest success
// rate, the earliest one on ties, or -1 for no attempts.
func BestAttempt(attempts []*AttemptReport) int {
	best := -1
	for i, a := range attempts {
		if best < 0 || a.SuccessRate > attempts[best].SuccessRate {
			best = i
		}
	}
	return best
}

// Classify compares the status of a step before and after.
func Classify(before, after Status) Change {
	switch {
	case before != StatusPassed && after == StatusPassed:
		return ChangeImprovement
	case before == StatusPassed && after != StatusPassed:
		return ChangeRegression
	default:
		return ChangeUnchanged
	}
}
