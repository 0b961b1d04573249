package models

import "strings"

// Status is the lifecycle state of a QueuedTask (spec.md §3.3).
type Status string

const (
	StatusWaitingQueue   Status = "WaitingQueue"
	StatusQueued         Status = "Queued"
	StatusInProgress     Status = "InProgress"
	StatusCompleted      Status = "Completed"
	StatusCancelled      Status = "Cancelled"
	StatusFailed         Status = "Failed"
	StatusServiceStopped Status = "ServiceStopped"
	StatusPending        Status = "Pending"
)

// NonTerminal reports whether s still has work ahead of it.
func (s Status) NonTerminal() bool {
	switch s {
	case StatusWaitingQueue, StatusQueued, StatusInProgress, StatusCancelled, StatusPending:
		return true
	default:
		return false
	}
}

// SetsLastExecution reports whether a transition into s sets
// lastExecutionUtc, per spec.md §4.1's setStatus contract: every status
// except Queued, InProgress, Cancelled, Pending sets it.
func (s Status) SetsLastExecution() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCancelled, StatusPending:
		return false
	default:
		return true
	}
}

// AuditLevel controls which status/run transitions are persisted
// (spec.md §3.4).
type AuditLevel string

const (
	AuditFull       AuditLevel = "Full"
	AuditMinimal    AuditLevel = "Minimal"
	AuditErrorsOnly AuditLevel = "ErrorsOnly"
	AuditNone       AuditLevel = "None"
)

// ShouldAuditStatus implements the §3.4 predicate for StatusAudit rows:
// Full records everything; Minimal/ErrorsOnly record only Failed or any
// transition carrying a non-empty exception, except a ServiceStopped
// transition whose exception looks like a cooperative-cancellation
// shape (expected shutdown, not a real failure).
func (a AuditLevel) ShouldAuditStatus(newStatus Status, exception string) bool {
	switch a {
	case AuditFull:
		return true
	case AuditNone:
		return false
	case AuditMinimal, AuditErrorsOnly:
		if newStatus == StatusServiceStopped && isCancellationShaped(exception) {
			return false
		}
		return newStatus == StatusFailed || exception != ""
	default:
		return false
	}
}

// ShouldAuditRun implements the §3.4 predicate for RunsAudit rows on
// recurring executions: Full/Minimal record every completion,
// ErrorsOnly records only failures, None records nothing.
func (a AuditLevel) ShouldAuditRun(failed bool) bool {
	switch a {
	case AuditFull, AuditMinimal:
		return true
	case AuditErrorsOnly:
		return failed
	default:
		return false
	}
}

func isCancellationShaped(exception string) bool {
	return exception == "" || strings.Contains(strings.ToLower(exception), "cancel")
}
