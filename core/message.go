package core

import (
	"strings"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/hupe1980/meshlink/internal/util"
)

// MessageType identifies the kind of A2A message. Types are dotted constants
// grouped by domain: system.* for discovery and liveness, task.* for task
// delegation, storage.* for shared key/value traffic, data.* for bulk data
// exchange and "error" for standalone error reports.
type MessageType string

const (
	// System / discovery messages.
	TypeSystemRegister   MessageType = "system.register"
	TypeSystemUnregister MessageType = "system.unregister"
	TypeSystemHeartbeat  MessageType = "system.heartbeat"
	TypeSystemDiscover   MessageType = "system.discover"

	// Task lifecycle messages.
	TypeTaskCreate   MessageType = "task.create"
	TypeTaskAssign   MessageType = "task.assign"
	TypeTaskRequest  MessageType = "task.request"
	TypeTaskUpdate   MessageType = "task.update"
	TypeTaskComplete MessageType = "task.complete"
	TypeTaskFail     MessageType = "task.fail"
	TypeTaskCancel   MessageType = "task.cancel"

	// Storage messages.
	TypeStorageGet    MessageType = "storage.get"
	TypeStorageSet    MessageType = "storage.set"
	TypeStorageDelete MessageType = "storage.delete"

	// Data exchange messages.
	TypeDataRequest     MessageType = "data.request"
	TypeDataResponse    MessageType = "data.response"
	TypeDataStreamStart MessageType = "data.stream.start"
	TypeDataStreamChunk MessageType = "data.stream.chunk"
	TypeDataStreamEnd   MessageType = "data.stream.end"

	// Standalone error report.
	TypeError MessageType = "error"
)

// knownTypes is the closed set accepted by ValidateMessage.
var knownTypes = map[MessageType]struct{}{
	TypeSystemRegister: {}, TypeSystemUnregister: {}, TypeSystemHeartbeat: {},
	TypeSystemDiscover: {},
	TypeTaskCreate:     {}, TypeTaskAssign: {}, TypeTaskRequest: {},
	TypeTaskUpdate: {}, TypeTaskComplete: {}, TypeTaskFail: {}, TypeTaskCancel: {},
	TypeStorageGet: {}, TypeStorageSet: {}, TypeStorageDelete: {},
	TypeDataRequest: {}, TypeDataResponse: {}, TypeDataStreamStart: {},
	TypeDataStreamChunk: {}, TypeDataStreamEnd: {},
	TypeError: {},
}

// Priority orders competing messages and tasks. The zero value is treated as
// PriorityNormal everywhere.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority (empty counts as valid and
// means PriorityNormal).
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Headers carries the envelope metadata stamped onto every message.
// MessageID is unique per message; CorrelationID links a response back to the
// request that caused it.
type Headers struct {
	MessageID     string    `json:"messageId"`
	CorrelationID string    `json:"correlationId,omitzero"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Target        string    `json:"target,omitzero"`
	ReplyTo       string    `json:"replyTo,omitzero"`
	TTLMs         int64     `json:"ttl,omitzero"`
	Priority      Priority  `json:"priority,omitzero"`
}

// Message is the canonical A2A envelope. Type determines the payload shape;
// use DecodePayload (or the package type guards) to narrow Payload safely.
// After construction a message should be treated as immutable.
type Message struct {
	Type    MessageType `json:"type"`
	Headers Headers     `json:"headers"`
	Payload any         `json:"payload,omitzero"`
}

// HeaderOption mutates envelope headers during NewMessage.
type HeaderOption func(h *Headers)

// WithSource sets the originating service id.
func WithSource(source string) HeaderOption {
	return func(h *Headers) { h.Source = source }
}

// WithTarget addresses the message to a single service.
func WithTarget(target string) HeaderOption {
	return func(h *Headers) { h.Target = target }
}

// WithCorrelationID links this message to an earlier request.
func WithCorrelationID(id string) HeaderOption {
	return func(h *Headers) { h.CorrelationID = id }
}

// WithReplyTo names the subject responses should be published on.
func WithReplyTo(subject string) HeaderOption {
	return func(h *Headers) { h.ReplyTo = subject }
}

// WithTTL bounds message validity; expired messages are dropped on receipt.
func WithTTL(ttl time.Duration) HeaderOption {
	return func(h *Headers) { h.TTLMs = ttl.Milliseconds() }
}

// WithPriority overrides the default PriorityNormal.
func WithPriority(p Priority) HeaderOption {
	return func(h *Headers) { h.Priority = p }
}

// NewMessage constructs an envelope of the given type, stamping a fresh
// MessageID and a UTC timestamp. Source is normally supplied via WithSource;
// components fill it with their own service id.
func NewMessage(msgType MessageType, payload any, optFns ...HeaderOption) Message {
	h := Headers{
		MessageID: util.NewID(),
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}

	for _, fn := range optFns {
		fn(&h)
	}

	return Message{Type: msgType, Headers: h, Payload: payload}
}

// Expired reports whether the message TTL has elapsed relative to now.
// Messages without a TTL never expire.
func (m Message) Expired(now time.Time) bool {
	if m.Headers.TTLMs <= 0 {
		return false
	}
	return now.After(m.Headers.Timestamp.Add(time.Duration(m.Headers.TTLMs) * time.Millisecond))
}

// IsSystemMessage reports whether the message belongs to the system.* group.
func IsSystemMessage(m Message) bool { return strings.HasPrefix(string(m.Type), "system.") }

// IsTaskMessage reports whether the message belongs to the task.* group.
func IsTaskMessage(m Message) bool { return strings.HasPrefix(string(m.Type), "task.") }

// IsStorageMessage reports whether the message belongs to the storage.* group.
func IsStorageMessage(m Message) bool { return strings.HasPrefix(string(m.Type), "storage.") }

// IsDataMessage reports whether the message belongs to the data.* group.
func IsDataMessage(m Message) bool { return strings.HasPrefix(string(m.Type), "data.") }

// IsErrorMessage reports whether the message is a standalone error report.
func IsErrorMessage(m Message) bool { return m.Type == TypeError }

// Encode serializes a message envelope to its wire form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses a wire-form envelope. The payload comes back as generic JSON
// values; use DecodePayload to project it onto a typed payload struct.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &TransportError{Op: "decode", Err: err}
	}
	return m, nil
}

// DecodePayload narrows a message payload to a concrete payload type. A
// payload that already has the requested type is returned as-is; otherwise it
// is projected through the wire codec, which covers payloads that arrived as
// generic JSON values from a remote peer.
func DecodePayload[T any](m Message) (T, error) {
	if p, ok := m.Payload.(T); ok {
		return p, nil
	}
	var out T
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return out, &TransportError{Op: "decode payload", Err: err}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &TransportError{Op: "decode payload", Err: err}
	}
	return out, nil
}
