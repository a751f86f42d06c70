package testutil

import (
	"time"

	"github.com/hupe1980/meshlink/core"
)

// MessageBuilder provides a fluent helper for constructing envelopes in
// tests. Example:
//
//	msg := NewMessageBuilder(core.TypeTaskCreate).Source("svc-a").Payload(p).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	msgType     core.MessageType
	messageID   string
	correlation string
	source      string
	target      string
	replyTo     string
	ttl         time.Duration
	priority    core.Priority
	timestamp   time.Time
	payload     any
}

// NewMessageBuilder creates a builder with default source "test-service".
func NewMessageBuilder(msgType core.MessageType) *MessageBuilder {
	return &MessageBuilder{msgType: msgType, source: "test-service"}
}

// ID overrides the auto-generated message ID (chainable).
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.messageID = id; return b }

// Correlation sets the correlation ID (chainable).
func (b *MessageBuilder) Correlation(id string) *MessageBuilder { b.correlation = id; return b }

// Source sets the sender service ID (chainable).
func (b *MessageBuilder) Source(s string) *MessageBuilder { b.source = s; return b }

// Target sets the addressee service ID (chainable).
func (b *MessageBuilder) Target(t string) *MessageBuilder { b.target = t; return b }

// ReplyTo sets the reply subject (chainable).
func (b *MessageBuilder) ReplyTo(r string) *MessageBuilder { b.replyTo = r; return b }

// TTL sets the message time to live (chainable).
func (b *MessageBuilder) TTL(d time.Duration) *MessageBuilder { b.ttl = d; return b }

// Priority sets the delivery priority (chainable).
func (b *MessageBuilder) Priority(p core.Priority) *MessageBuilder { b.priority = p; return b }

// Timestamp overrides the creation timestamp (chainable). Use mainly in
// tests where expiry determinism matters.
func (b *MessageBuilder) Timestamp(ts time.Time) *MessageBuilder { b.timestamp = ts; return b }

// Payload sets the message payload (chainable).
func (b *MessageBuilder) Payload(p any) *MessageBuilder { b.payload = p; return b }

// Build constructs the core.Message value.
func (b *MessageBuilder) Build() core.Message {
	msg := core.NewMessage(b.msgType, b.payload, core.WithSource(b.source))
	if b.messageID != "" {
		msg.Headers.MessageID = b.messageID
	}
	if b.correlation != "" {
		msg.Headers.CorrelationID = b.correlation
	}
	if b.target != "" {
		msg.Headers.Target = b.target
	}
	if b.replyTo != "" {
		msg.Headers.ReplyTo = b.replyTo
	}
	if b.ttl > 0 {
		msg.Headers.TTLMs = b.ttl.Milliseconds()
	}
	if b.priority != "" {
		msg.Headers.Priority = b.priority
	}
	if !b.timestamp.IsZero() {
		msg.Headers.Timestamp = b.timestamp
	}
	return msg
}
