package core

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports every constraint a message violated, not just the
// first. Issues maps field paths to human-readable reasons in the order they
// were detected.
type ValidationError struct {
	Issues []ValidationIssue
}

// ValidationIssue is a single violated constraint.
type ValidationIssue struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "message validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Reason)
	}
	return "message validation failed: " + strings.Join(parts, "; ")
}

// add records a violated constraint.
func (e *ValidationError) add(field, reason string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Reason: reason})
}

// TaskNotFoundError signals an operation referencing an unknown task id.
type TaskNotFoundError struct {
	TaskID string
}

// Error implements the error interface.
func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// InvalidTransitionError signals a task status change outside the lifecycle
// state machine.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// CyclicDependencyError signals that creating a task would introduce a
// dependency cycle. Cycle holds the task ids forming the loop.
type CyclicDependencyError struct {
	TaskID string
	Cycle  []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("task %q: dependency cycle %s", e.TaskID, strings.Join(e.Cycle, " -> "))
}

// TimeoutError signals that an awaited operation did not complete within its
// deadline. Every awaiting MeshLink operation surfaces expiry as this type,
// never as a hang.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// CircuitOpenError signals a call rejected fast by an open circuit breaker.
// It is distinguishable from genuine downstream errors so callers can render
// "temporarily unavailable" instead of "failed".
type CircuitOpenError struct {
	Name string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.Name == "" {
		return "circuit breaker is open"
	}
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// StreamIntegrityError signals a checksum mismatch on a completed stream.
type StreamIntegrityError struct {
	RequestID string
	Expected  string
	Actual    string
}

// Error implements the error interface.
func (e *StreamIntegrityError) Error() string {
	return fmt.Sprintf("stream %q: checksum mismatch (expected %s, got %s)", e.RequestID, e.Expected, e.Actual)
}

// TransportError wraps a failure in the underlying pub/sub transport or the
// wire codec.
type TransportError struct {
	Op      string
	Subject string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("transport %s on %q: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError re-raises a wire-level ErrorPayload at the awaiting call site.
type RemoteError struct {
	Payload ErrorPayload
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s from %s: %s", e.Payload.Code, e.Payload.Source, e.Payload.Message)
}

// Retryable reports whether the remote side considered the failure worth
// retrying.
func (e *RemoteError) Retryable() bool { return e.Payload.Retryable }
