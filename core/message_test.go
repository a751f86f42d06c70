package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_Defaults(t *testing.T) {
	msg := NewMessage(TypeSystemHeartbeat, HeartbeatPayload{ServiceID: "svc-1"}, WithSource("svc-1"))

	assert.Equal(t, TypeSystemHeartbeat, msg.Type)
	assert.NotEmpty(t, msg.Headers.MessageID)
	assert.False(t, msg.Headers.Timestamp.IsZero())
	assert.Equal(t, "svc-1", msg.Headers.Source)
	assert.Equal(t, PriorityNormal, msg.Headers.Priority)
	assert.Empty(t, msg.Headers.Target)
	assert.Zero(t, msg.Headers.TTLMs)
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	a := NewMessage(TypeSystemDiscover, DiscoverPayload{}, WithSource("svc-1"))
	b := NewMessage(TypeSystemDiscover, DiscoverPayload{}, WithSource("svc-1"))
	assert.NotEqual(t, a.Headers.MessageID, b.Headers.MessageID)
}

func TestNewMessage_HeaderOptions(t *testing.T) {
	msg := NewMessage(TypeDataResponse, DataResponsePayload{RequestID: "r1"},
		WithSource("svc-1"),
		WithTarget("svc-2"),
		WithCorrelationID("r1"),
		WithReplyTo("meshlink.reply"),
		WithTTL(time.Second),
		WithPriority(PriorityHigh),
	)

	assert.Equal(t, "svc-2", msg.Headers.Target)
	assert.Equal(t, "r1", msg.Headers.CorrelationID)
	assert.Equal(t, "meshlink.reply", msg.Headers.ReplyTo)
	assert.Equal(t, int64(1000), msg.Headers.TTLMs)
	assert.Equal(t, PriorityHigh, msg.Headers.Priority)
}

func TestMessage_Expired(t *testing.T) {
	msg := NewMessage(TypeSystemHeartbeat, HeartbeatPayload{ServiceID: "svc-1"},
		WithSource("svc-1"), WithTTL(100*time.Millisecond))

	assert.False(t, msg.Expired(msg.Headers.Timestamp.Add(50*time.Millisecond)))
	assert.True(t, msg.Expired(msg.Headers.Timestamp.Add(150*time.Millisecond)))

	noTTL := NewMessage(TypeSystemHeartbeat, HeartbeatPayload{ServiceID: "svc-1"}, WithSource("svc-1"))
	assert.False(t, noTTL.Expired(time.Now().Add(24*time.Hour)))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := NewMessage(TypeTaskCreate, TaskCreatePayload{
		TaskID:     "t1",
		TaskType:   "demo",
		Parameters: map[string]any{"key": "value"},
		MaxRetries: 3,
	}, WithSource("svc-1"), WithTarget("svc-2"))

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Headers.MessageID, out.Headers.MessageID)
	assert.Equal(t, in.Headers.Source, out.Headers.Source)
	assert.Equal(t, in.Headers.Target, out.Headers.Target)

	p, err := DecodePayload[TaskCreatePayload](out)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, "demo", p.TaskType)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, "value", p.Parameters["key"])
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestDecodePayload_TypedFastPath(t *testing.T) {
	msg := NewMessage(TypeTaskAssign, TaskAssignPayload{TaskID: "t1", AssignedTo: "svc-2"}, WithSource("svc-1"))

	p, err := DecodePayload[TaskAssignPayload](msg)
	require.NoError(t, err)
	assert.Equal(t, "svc-2", p.AssignedTo)
}

func TestTypeGuards(t *testing.T) {
	assert.True(t, IsSystemMessage(Message{Type: TypeSystemRegister}))
	assert.True(t, IsTaskMessage(Message{Type: TypeTaskFail}))
	assert.True(t, IsStorageMessage(Message{Type: TypeStorageSet}))
	assert.True(t, IsDataMessage(Message{Type: TypeDataStreamChunk}))
	assert.True(t, IsErrorMessage(Message{Type: TypeError}))

	assert.False(t, IsTaskMessage(Message{Type: TypeSystemRegister}))
	assert.False(t, IsErrorMessage(Message{Type: TypeTaskFail}))
}

func TestPriority_Valid(t *testing.T) {
	assert.True(t, Priority("").Valid())
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
}
