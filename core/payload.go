package core

import "time"

// Severity grades an ErrorPayload for display and alerting purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Well-known error codes carried inside ErrorPayload.
const (
	CodeTaskTimeout     = "TASK_TIMEOUT"
	CodeTaskCancelled   = "TASK_CANCELLED"
	CodeHandlerFailed   = "HANDLER_FAILED"
	CodeNoProvider      = "NO_PROVIDER"
	CodeStreamAborted   = "STREAM_ABORTED"
	CodeInternal        = "INTERNAL"
	CodeRetriesExceeded = "RETRIES_EXCEEDED"
)

// ErrorPayload is the wire-level error report used for cross-process error
// propagation inside task.fail, data.response and standalone error messages.
// Retryable tells the remote caller whether retrying may succeed.
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitzero"`
	Retryable bool      `json:"retryable"`
	Source    string    `json:"source,omitzero"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity,omitzero"`
}

// NewErrorPayload builds an ErrorPayload stamped with the current time.
func NewErrorPayload(code, message, source string, retryable bool) ErrorPayload {
	return ErrorPayload{
		Code:      code,
		Message:   message,
		Source:    source,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		Severity:  SeverityError,
	}
}

// RegisterPayload announces a service joining the mesh (system.register).
type RegisterPayload struct {
	ServiceID    string            `json:"serviceId"`
	ServiceType  string            `json:"serviceType"`
	Capabilities []string          `json:"capabilities,omitzero"`
	Metadata     map[string]string `json:"metadata,omitzero"`
}

// UnregisterPayload announces a graceful departure (system.unregister).
type UnregisterPayload struct {
	ServiceID string `json:"serviceId"`
	Reason    string `json:"reason,omitzero"`
}

// HeartbeatPayload refreshes a service's liveness (system.heartbeat).
type HeartbeatPayload struct {
	ServiceID string `json:"serviceId"`
}

// DiscoverPayload asks peers to re-announce themselves (system.discover).
// Capability optionally narrows the request to providers of one capability.
type DiscoverPayload struct {
	Capability string `json:"capability,omitzero"`
}

// TaskCreatePayload announces a new (or retried) task. RetryCount is zero on
// first publication and incremented by the delegator on each retry.
type TaskCreatePayload struct {
	TaskID               string         `json:"taskId"`
	TaskType             string         `json:"taskType"`
	Parameters           map[string]any `json:"parameters,omitzero"`
	Priority             Priority       `json:"priority,omitzero"`
	TimeoutMs            int64          `json:"timeout,omitzero"`
	AssignTo             string         `json:"assignTo,omitzero"`
	Dependencies         []string       `json:"dependencies,omitzero"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitzero"`
	MaxRetries           int            `json:"maxRetries,omitzero"`
	RetryCount           int            `json:"retryCount,omitzero"`
}

// TaskAssignPayload claims a task for an executor (task.assign).
type TaskAssignPayload struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo"`
}

// TaskUpdatePayload reports task progress (task.update).
type TaskUpdatePayload struct {
	TaskID   string     `json:"taskId"`
	Status   TaskStatus `json:"status"`
	Progress *int       `json:"progress,omitzero"`
}

// TaskCompletePayload carries the task result (task.complete).
type TaskCompletePayload struct {
	TaskID string `json:"taskId"`
	Result any    `json:"result,omitzero"`
}

// TaskFailPayload carries the task error plus the retry bookkeeping remote
// observers need to distinguish "will retry" from terminal failure.
type TaskFailPayload struct {
	TaskID     string       `json:"taskId"`
	Error      ErrorPayload `json:"error"`
	RetryCount int          `json:"retryCount"`
	Retryable  bool         `json:"retryable"`
}

// TaskCancelPayload signals cooperative cancellation (task.cancel). Force
// lets the delegator treat the task as cancelled without executor
// acknowledgement.
type TaskCancelPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitzero"`
	Force  bool   `json:"force,omitzero"`
}

// StorageGetPayload requests a value from a shared storage provider.
type StorageGetPayload struct {
	Key string `json:"key"`
}

// StorageSetPayload writes a value to a shared storage provider.
type StorageSetPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	TTLMs int64  `json:"ttl,omitzero"`
}

// StorageDeletePayload removes a key from a shared storage provider.
type StorageDeletePayload struct {
	Key string `json:"key"`
}

// DataRequestPayload asks a provider for a piece of data (data.request).
type DataRequestPayload struct {
	RequestID  string         `json:"requestId"`
	DataType   string         `json:"dataType"`
	Parameters map[string]any `json:"parameters,omitzero"`
	Stream     bool           `json:"stream,omitzero"`
}

// DataResponsePayload answers a data.request. Exactly one of Data or Error
// is meaningful.
type DataResponsePayload struct {
	RequestID string        `json:"requestId"`
	Data      any           `json:"data,omitzero"`
	Error     *ErrorPayload `json:"error,omitzero"`
}

// StreamStartPayload opens a chunked transfer (data.stream.start).
// TotalChunks may be zero when the sender does not know the count up front;
// the receiver then relies on the isLast flag.
type StreamStartPayload struct {
	RequestID   string `json:"requestId"`
	DataType    string `json:"dataType"`
	TotalChunks int    `json:"totalChunks,omitzero"`
	TotalSize   int64  `json:"totalSize,omitzero"`
}

// StreamChunkPayload carries one chunk of a transfer (data.stream.chunk).
// Indices ascend from zero; IsLast marks the final chunk.
type StreamChunkPayload struct {
	RequestID string `json:"requestId"`
	Index     int    `json:"index"`
	Data      []byte `json:"data"`
	IsLast    bool   `json:"isLast,omitzero"`
}

// StreamEndPayload closes a transfer (data.stream.end). A non-nil Error
// aborts the stream; Checksum, when set, lets the receiver verify integrity.
type StreamEndPayload struct {
	RequestID string        `json:"requestId"`
	Checksum  string        `json:"checksum,omitzero"`
	Error     *ErrorPayload `json:"error,omitzero"`
}
