package testutil

import (
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/internal/util"
)

// TaskBuilder provides a fluent helper for constructing task snapshots in
// tests. Chain only the parts you need; sensible defaults are applied.
type TaskBuilder struct {
	taskID     string
	taskType   string
	status     core.TaskStatus
	blocked    bool
	assignedTo string
	priority   core.Priority
	params     map[string]any
	deps       []string
	maxRetries int
	retryCount int
	timeout    time.Duration
}

// NewTaskBuilder creates a builder for a pending task of the given type.
func NewTaskBuilder(taskType string) *TaskBuilder {
	return &TaskBuilder{taskType: taskType, status: core.TaskPending}
}

// ID overrides the auto-generated task ID (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.taskID = id; return b }

// Status sets the lifecycle status (chainable).
func (b *TaskBuilder) Status(s core.TaskStatus) *TaskBuilder { b.status = s; return b }

// Blocked marks the task as waiting on dependencies (chainable).
func (b *TaskBuilder) Blocked() *TaskBuilder { b.blocked = true; return b }

// AssignedTo sets the executor service ID (chainable).
func (b *TaskBuilder) AssignedTo(serviceID string) *TaskBuilder { b.assignedTo = serviceID; return b }

// Priority sets the task priority (chainable).
func (b *TaskBuilder) Priority(p core.Priority) *TaskBuilder { b.priority = p; return b }

// Param adds one parameter (chainable).
func (b *TaskBuilder) Param(key string, value any) *TaskBuilder {
	if b.params == nil {
		b.params = map[string]any{}
	}
	b.params[key] = value
	return b
}

// DependsOn appends dependency task IDs (chainable).
func (b *TaskBuilder) DependsOn(ids ...string) *TaskBuilder {
	b.deps = append(b.deps, ids...)
	return b
}

// Retries sets the retry bookkeeping (chainable).
func (b *TaskBuilder) Retries(maxRetries, retryCount int) *TaskBuilder {
	b.maxRetries = maxRetries
	b.retryCount = retryCount
	return b
}

// Timeout sets the execution timeout (chainable).
func (b *TaskBuilder) Timeout(d time.Duration) *TaskBuilder { b.timeout = d; return b }

// Build constructs the core.TaskInfo value.
func (b *TaskBuilder) Build() *core.TaskInfo {
	id := b.taskID
	if id == "" {
		id = util.NewID()
	}
	priority := b.priority
	if priority == "" {
		priority = core.PriorityNormal
	}
	now := time.Now().UTC()
	return &core.TaskInfo{
		TaskID:       id,
		TaskType:     b.taskType,
		Status:       b.status,
		Blocked:      b.blocked,
		CreatedAt:    now,
		UpdatedAt:    now,
		AssignedTo:   b.assignedTo,
		Priority:     priority,
		Parameters:   b.params,
		Timeout:      b.timeout,
		Dependencies: append([]string(nil), b.deps...),
		MaxRetries:   b.maxRetries,
		RetryCount:   b.retryCount,
	}
}
