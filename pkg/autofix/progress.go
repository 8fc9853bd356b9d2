package autofix

import (
	"github.com/kaizen-agent/kaizen/pkg/results"
)

type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventLoadWarning     EventType = "load_warning"
	EventAttemptStart    EventType = "attempt_start"
	EventStepComplete    EventType = "step_complete"
	EventAttemptComplete EventType = "attempt_complete"
	EventFixRequested    EventType = "fix_requested"
	EventFixProposed     EventType = "fix_proposed"
	EventFixUnavailable  EventType = "fix_unavailable"
	EventEditDiscarded   EventType = "edit_discarded"
	EventLoadFailed      EventType = "load_failed"
	EventBestAttempt     EventType = "best_attempt"
	EventFilesRestored   EventType = "files_restored"
	EventRunComplete     EventType = "run_complete"
)

// ProgressEvent reports what the loop is doing. Only the fields relevant to
// Type are set.
type ProgressEvent struct {
	Type    EventType
	State   State
	Attempt int
	Message string
	Step    *results.ExecutionResult
	Report  *results.AttemptReport
	Files   []string
}

// ProgressCallback receives progress events. Step events may arrive from
// several goroutines at once when steps run concurrently.
type ProgressCallback func(event ProgressEvent)

func NoopProgressCallback(ProgressEvent) {}
