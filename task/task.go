// Package task implements the MeshLink task manager: creation and delegation
// of tasks across the mesh, the task lifecycle state machine, handler
// execution on the assigned process, automatic retries with exponential
// backoff, execution timeouts and cooperative cancellation. All coordination
// with remote managers happens via task.* messages on a shared subject.
package task

import (
	"context"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/logging"
)

// DefaultSubject carries task.* traffic unless overridden.
const DefaultSubject = "meshlink.task"

// Handler executes a task assigned to this process. The returned value
// auto-completes the task; a returned error auto-fails it (and triggers the
// delegator's retry policy when retries remain). The context is cancelled
// when the task is cancelled or times out; handlers should check it at
// reasonable checkpoints, cancellation is cooperative rather than
// preemptive.
type Handler func(ctx context.Context, t *core.TaskInfo) (any, error)

// EventType classifies task lifecycle notifications.
type EventType string

const (
	EventCreated   EventType = "taskCreated"
	EventAssigned  EventType = "taskAssigned"
	EventUpdated   EventType = "taskUpdated"
	EventCompleted EventType = "taskCompleted"
	EventFailed    EventType = "taskFailed"
	EventCancelled EventType = "taskCancelled"
)

// Event is a task lifecycle notification. Task is a snapshot copy. A failed
// attempt that will be retried surfaces as EventUpdated; EventFailed is
// emitted only for terminal failure.
type Event struct {
	Type EventType
	Task *core.TaskInfo
}

// Options configures a Manager.
type Options struct {
	// Subject carries task.* traffic.
	Subject string
	// Capabilities this process advertises; task.request messages with
	// RequiredCapabilities outside this set are not claimed.
	Capabilities []string
	// MaxRetries bounds automatic retries for tasks that do not override
	// it.
	MaxRetries int
	// InitialRetryDelay seeds the exponential backoff.
	InitialRetryDelay time.Duration
	// BackoffFactor grows the delay per retry.
	BackoffFactor float64
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// DefaultTimeout bounds handler execution and Request waits when the
	// task does not carry its own timeout.
	DefaultTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// CreateOptions tunes a single Create call.
type CreateOptions struct {
	// Priority defaults to PriorityNormal.
	Priority core.Priority
	// Timeout bounds handler execution for this task.
	Timeout time.Duration
	// AssignTo skips capability matching and assigns the task directly.
	AssignTo string
	// Dependencies lists task ids that must complete before this task may
	// be claimed.
	Dependencies []string
	// MaxRetries overrides the manager default when non-nil.
	MaxRetries *int
}

// RequestOptions tunes a single Request call.
type RequestOptions struct {
	// RequiredCapabilities restricts which processes may claim the task.
	RequiredCapabilities []string
	// Timeout bounds the wait for the correlated completion; zero means
	// the manager default.
	Timeout time.Duration
	// Priority defaults to PriorityNormal.
	Priority core.Priority
}
