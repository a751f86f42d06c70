package core

import (
	"maps"
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a delegated task.
//
// The machine is PENDING -> ASSIGNED -> IN_PROGRESS -> one of
// COMPLETED / FAILED / CANCELLED. BLOCKED is a sub-state of PENDING and
// IN_PROGRESS (tracked via TaskInfo.Blocked) entered while dependencies are
// unmet. Terminal states are immutable except for audit fields.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// taskTransitions enumerates the legal lifecycle edges.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(taskTransitions[from], to)
}

// TaskInfo is the tracked record of a delegated task. The task manager of
// the delegating process owns the lifecycle; remote processes hold
// eventually-consistent replicas built from task.* traffic.
type TaskInfo struct {
	TaskID       string
	TaskType     string
	Status       TaskStatus
	Blocked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AssignedTo   string
	Priority     Priority
	Parameters   map[string]any
	Result       any
	Error        *ErrorPayload
	Progress     int
	Timeout      time.Duration
	Dependencies []string
	MaxRetries   int
	RetryCount   int
	Retryable    bool
}

// Clone returns a deep copy so callers can never mutate registry state
// through a returned snapshot.
func (t *TaskInfo) Clone() *TaskInfo {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = maps.Clone(t.Parameters)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
