package core

// ValidateMessage checks an envelope and its payload against the schema for
// its message type. It accumulates EVERY violated constraint into a single
// *ValidationError instead of stopping at the first, so callers (and error
// reports crossing process boundaries) can show the complete picture.
//
// A nil return means the message is well formed.
func ValidateMessage(m Message) error {
	verr := &ValidationError{}

	if m.Type == "" {
		verr.add("type", "must not be empty")
	} else if _, ok := knownTypes[m.Type]; !ok {
		verr.add("type", "unknown message type "+string(m.Type))
	}
	if m.Headers.MessageID == "" {
		verr.add("headers.messageId", "must not be empty")
	}
	if m.Headers.Timestamp.IsZero() {
		verr.add("headers.timestamp", "must be set")
	}
	if m.Headers.Source == "" {
		verr.add("headers.source", "must not be empty")
	}
	if !m.Headers.Priority.Valid() {
		verr.add("headers.priority", "unknown priority "+string(m.Headers.Priority))
	}
	if m.Headers.TTLMs < 0 {
		verr.add("headers.ttl", "must not be negative")
	}

	validatePayload(m, verr)

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}

// validatePayload applies the per-type payload schema. Decode failures are
// reported as a payload issue rather than aborting, so header issues found
// above still surface together with the payload ones.
func validatePayload(m Message, verr *ValidationError) {
	switch m.Type {
	case TypeSystemRegister:
		p, err := DecodePayload[RegisterPayload](m)
		if err != nil {
			verr.add("payload", "not a valid register payload")
			return
		}
		requireField(verr, p.ServiceID, "payload.serviceId")
		requireField(verr, p.ServiceType, "payload.serviceType")

	case TypeSystemUnregister:
		p, err := DecodePayload[UnregisterPayload](m)
		if err != nil {
			verr.add("payload", "not a valid unregister payload")
			return
		}
		requireField(verr, p.ServiceID, "payload.serviceId")

	case TypeSystemHeartbeat:
		p, err := DecodePayload[HeartbeatPayload](m)
		if err != nil {
			verr.add("payload", "not a valid heartbeat payload")
			return
		}
		requireField(verr, p.ServiceID, "payload.serviceId")

	case TypeTaskCreate, TypeTaskRequest:
		p, err := DecodePayload[TaskCreatePayload](m)
		if err != nil {
			verr.add("payload", "not a valid task create payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")
		requireField(verr, p.TaskType, "payload.taskType")
		if !p.Priority.Valid() {
			verr.add("payload.priority", "unknown priority "+string(p.Priority))
		}
		if p.TimeoutMs < 0 {
			verr.add("payload.timeout", "must not be negative")
		}
		if p.RetryCount < 0 {
			verr.add("payload.retryCount", "must not be negative")
		}

	case TypeTaskAssign:
		p, err := DecodePayload[TaskAssignPayload](m)
		if err != nil {
			verr.add("payload", "not a valid task assign payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")
		requireField(verr, p.AssignedTo, "payload.assignedTo")

	case TypeTaskUpdate:
		p, err := DecodePayload[TaskUpdatePayload](m)
		if err != nil {
			verr.add("payload", "not a valid task update payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")
		if p.Status != "" && !p.Status.Valid() {
			verr.add("payload.status", "unknown status "+string(p.Status))
		}
		if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
			verr.add("payload.progress", "must be within [0,100]")
		}

	case TypeTaskComplete:
		p, err := DecodePayload[TaskCompletePayload](m)
		if err != nil {
			verr.add("payload", "not a valid task complete payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")

	case TypeTaskFail:
		p, err := DecodePayload[TaskFailPayload](m)
		if err != nil {
			verr.add("payload", "not a valid task fail payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")
		requireField(verr, p.Error.Code, "payload.error.code")
		requireField(verr, p.Error.Message, "payload.error.message")

	case TypeTaskCancel:
		p, err := DecodePayload[TaskCancelPayload](m)
		if err != nil {
			verr.add("payload", "not a valid task cancel payload")
			return
		}
		requireField(verr, p.TaskID, "payload.taskId")

	case TypeStorageGet:
		p, err := DecodePayload[StorageGetPayload](m)
		if err != nil {
			verr.add("payload", "not a valid storage get payload")
			return
		}
		requireField(verr, p.Key, "payload.key")

	case TypeStorageSet:
		p, err := DecodePayload[StorageSetPayload](m)
		if err != nil {
			verr.add("payload", "not a valid storage set payload")
			return
		}
		requireField(verr, p.Key, "payload.key")

	case TypeStorageDelete:
		p, err := DecodePayload[StorageDeletePayload](m)
		if err != nil {
			verr.add("payload", "not a valid storage delete payload")
			return
		}
		requireField(verr, p.Key, "payload.key")

	case TypeDataRequest:
		p, err := DecodePayload[DataRequestPayload](m)
		if err != nil {
			verr.add("payload", "not a valid data request payload")
			return
		}
		requireField(verr, p.RequestID, "payload.requestId")
		requireField(verr, p.DataType, "payload.dataType")

	case TypeDataResponse:
		p, err := DecodePayload[DataResponsePayload](m)
		if err != nil {
			verr.add("payload", "not a valid data response payload")
			return
		}
		requireField(verr, p.RequestID, "payload.requestId")

	case TypeDataStreamStart:
		p, err := DecodePayload[StreamStartPayload](m)
		if err != nil {
			verr.add("payload", "not a valid stream start payload")
			return
		}
		requireField(verr, p.RequestID, "payload.requestId")
		requireField(verr, p.DataType, "payload.dataType")
		if p.TotalChunks < 0 {
			verr.add("payload.totalChunks", "must not be negative")
		}

	case TypeDataStreamChunk:
		p, err := DecodePayload[StreamChunkPayload](m)
		if err != nil {
			verr.add("payload", "not a valid stream chunk payload")
			return
		}
		requireField(verr, p.RequestID, "payload.requestId")
		if p.Index < 0 {
			verr.add("payload.index", "must not be negative")
		}

	case TypeDataStreamEnd:
		p, err := DecodePayload[StreamEndPayload](m)
		if err != nil {
			verr.add("payload", "not a valid stream end payload")
			return
		}
		requireField(verr, p.RequestID, "payload.requestId")

	case TypeError:
		p, err := DecodePayload[ErrorPayload](m)
		if err != nil {
			verr.add("payload", "not a valid error payload")
			return
		}
		requireField(verr, p.Code, "payload.code")
		requireField(verr, p.Message, "payload.message")
	}
}

func requireField(verr *ValidationError, value, field string) {
	if value == "" {
		verr.add(field, "must not be empty")
	}
}
