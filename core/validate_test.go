package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage_WellFormed(t *testing.T) {
	msg := NewMessage(TypeSystemRegister, RegisterPayload{
		ServiceID:   "svc-1",
		ServiceType: "worker",
	}, WithSource("svc-1"))

	assert.NoError(t, ValidateMessage(msg))
}

func TestValidateMessage_AccumulatesAllIssues(t *testing.T) {
	msg := Message{
		Type: "bogus.type",
		Headers: Headers{
			Priority: "urgent",
			TTLMs:    -1,
		},
	}

	err := ValidateMessage(msg)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "type")
	assert.Contains(t, fields, "headers.messageId")
	assert.Contains(t, fields, "headers.timestamp")
	assert.Contains(t, fields, "headers.source")
	assert.Contains(t, fields, "headers.priority")
	assert.Contains(t, fields, "headers.ttl")
}

func TestValidateMessage_PayloadIssuesJoinHeaderIssues(t *testing.T) {
	msg := Message{
		Type:    TypeTaskCreate,
		Headers: Headers{MessageID: "m1"},
		Payload: TaskCreatePayload{TimeoutMs: -5, RetryCount: -1},
	}

	err := ValidateMessage(msg)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "headers.source")
	assert.Contains(t, fields, "payload.taskId")
	assert.Contains(t, fields, "payload.taskType")
	assert.Contains(t, fields, "payload.timeout")
	assert.Contains(t, fields, "payload.retryCount")
}

func TestValidateMessage_TaskFailPayload(t *testing.T) {
	msg := NewMessage(TypeTaskFail, TaskFailPayload{TaskID: "t1"}, WithSource("svc-1"))

	err := ValidateMessage(msg)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "payload.error.code")
	assert.Contains(t, fields, "payload.error.message")
}

func TestValidateMessage_WireFormPayload(t *testing.T) {
	// Payloads arriving from a remote peer decode to generic JSON values;
	// validation must still apply the per-type schema.
	in := NewMessage(TypeDataRequest, DataRequestPayload{RequestID: "r1", DataType: "stats"}, WithSource("svc-1"))
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	assert.NoError(t, ValidateMessage(out))
}
