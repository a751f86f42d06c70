package exchange

import (
	"context"
	"slices"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/internal/util"
)

// StreamWriter feeds chunks from a stream provider into the mesh. It buffers
// one chunk so the final Send can be flushed with the isLast flag set, and
// accumulates the running checksum. Not safe for concurrent use; a provider
// writes its stream from a single goroutine.
type StreamWriter struct {
	ex        *Exchange
	ctx       context.Context
	requestID string
	index     int
	buffered  []byte
	hasChunk  bool
	checksum  *util.ChecksumWriter
}

// Send queues one chunk for transmission. Chunks are delivered to the
// receiver in the order they are sent.
func (w *StreamWriter) Send(chunk []byte) error {
	if err := w.flush(false); err != nil {
		return err
	}
	w.buffered = slices.Clone(chunk)
	w.hasChunk = true
	w.checksum.Write(chunk)
	return nil
}

// flush publishes the buffered chunk, marking it last when the stream is
// closing.
func (w *StreamWriter) flush(last bool) error {
	if !w.hasChunk {
		return nil
	}
	p := core.StreamChunkPayload{
		RequestID: w.requestID,
		Index:     w.index,
		Data:      w.buffered,
		IsLast:    last,
	}
	w.index++
	w.buffered = nil
	w.hasChunk = false
	msg := core.NewMessage(core.TypeDataStreamChunk, p, core.WithSource(w.ex.serviceID))
	return w.ex.publish(w.ctx, msg)
}

// streamState tracks one inbound chunked transfer. Chunks arriving out of
// order are parked in chunks until delivery catches up; next is the index of
// the chunk delivered next.
type streamState struct {
	requestID string
	dataType  string
	next      int
	lastIndex int // -1 until the final index is known
	endSeen   bool
	endsum    string
	chunks    map[int][]byte
	onChunk   ChunkFunc
	checksum  *util.ChecksumWriter
	done      chan error
}

// RequestStream publishes a streaming data request and consumes the answer
// chunk by chunk. onChunk is invoked in strictly ascending index order from
// the transport goroutine. The call blocks until the stream completes, the
// provider aborts it, or the timeout elapses with the stream incomplete.
func (e *Exchange) RequestStream(ctx context.Context, dataType string, params map[string]any, onChunk ChunkFunc, optFns ...func(o *RequestOptions)) error {
	opts := RequestOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	requestID := util.NewID()
	st := &streamState{
		requestID: requestID,
		dataType:  dataType,
		lastIndex: -1,
		chunks:    make(map[int][]byte),
		onChunk:   onChunk,
		checksum:  util.NewChecksumWriter(),
		done:      make(chan error, 1),
	}

	e.mu.Lock()
	e.streams[requestID] = st
	e.mu.Unlock()

	p := core.DataRequestPayload{RequestID: requestID, DataType: dataType, Parameters: params, Stream: true}
	if err := e.publish(ctx, core.NewMessage(core.TypeDataRequest, p, core.WithSource(e.serviceID))); err != nil {
		e.dropStream(requestID)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-st.done:
		return err
	case <-timer.C:
		e.dropStream(requestID)
		return &core.TimeoutError{Op: "data stream " + dataType, Timeout: timeout}
	case <-ctx.Done():
		e.dropStream(requestID)
		return ctx.Err()
	}
}

// serveStream runs the registered stream provider in its own goroutine,
// framing the transfer with start and end messages around the provider's
// chunks.
func (e *Exchange) serveStream(requester string, p core.DataRequestPayload) {
	e.mu.Lock()
	provider, ok := e.streamProviders[p.DataType]
	base := e.baseCtx
	e.mu.Unlock()
	if !ok {
		return
	}
	if base == nil {
		base = context.Background()
	}

	e.emit(Event{Type: EventDataRequested, RequestID: p.RequestID, DataType: p.DataType})

	go func() {
		start := core.StreamStartPayload{RequestID: p.RequestID, DataType: p.DataType}
		startMsg := core.NewMessage(core.TypeDataStreamStart, start, core.WithSource(e.serviceID), core.WithTarget(requester))
		if err := e.publish(base, startMsg); err != nil {
			e.logger.Warn("stream start publish failed", "request_id", p.RequestID, "error", err)
			return
		}

		w := &StreamWriter{
			ex:        e,
			ctx:       base,
			requestID: p.RequestID,
			checksum:  util.NewChecksumWriter(),
		}

		end := core.StreamEndPayload{RequestID: p.RequestID}
		if err := provider(base, p.Parameters, w); err != nil {
			ep := core.NewErrorPayload(core.CodeStreamAborted, err.Error(), e.serviceID, false)
			end.Error = &ep
		} else if err := w.flush(true); err != nil {
			ep := core.NewErrorPayload(core.CodeStreamAborted, err.Error(), e.serviceID, false)
			end.Error = &ep
		} else {
			end.Checksum = w.checksum.Sum()
		}

		endMsg := core.NewMessage(core.TypeDataStreamEnd, end, core.WithSource(e.serviceID), core.WithTarget(requester))
		if err := e.publish(base, endMsg); err != nil {
			e.logger.Warn("stream end publish failed", "request_id", p.RequestID, "error", err)
		}
	}()
}

// applyStreamStart attaches transfer metadata to the waiting stream. Starts
// for unknown request ids belong to other requesters and are ignored.
func (e *Exchange) applyStreamStart(p core.StreamStartPayload) {
	e.mu.Lock()
	st, ok := e.streams[p.RequestID]
	if ok && p.TotalChunks > 0 {
		st.lastIndex = p.TotalChunks - 1
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.emit(Event{Type: EventStreamStarted, RequestID: p.RequestID, DataType: p.DataType})
}

// applyStreamChunk parks or delivers one chunk, then drains every chunk that
// became contiguous.
func (e *Exchange) applyStreamChunk(p core.StreamChunkPayload) {
	e.mu.Lock()
	st, ok := e.streams[p.RequestID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if p.Index >= st.next {
		if _, dup := st.chunks[p.Index]; !dup {
			st.chunks[p.Index] = p.Data
		}
	}
	if p.IsLast {
		st.lastIndex = p.Index
	}
	deliverable, finished, err := e.drainLocked(st)
	e.mu.Unlock()

	e.deliver(st, deliverable, finished, err)
}

// applyStreamEnd records the close frame and resolves the stream if every
// chunk has already been delivered.
func (e *Exchange) applyStreamEnd(p core.StreamEndPayload) {
	e.mu.Lock()
	st, ok := e.streams[p.RequestID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if p.Error != nil {
		delete(e.streams, p.RequestID)
		e.mu.Unlock()
		e.emit(Event{Type: EventStreamEnded, RequestID: p.RequestID, DataType: st.dataType})
		st.done <- &core.RemoteError{Payload: *p.Error}
		return
	}
	st.endSeen = true
	st.endsum = p.Checksum
	deliverable, finished, err := e.drainLocked(st)
	e.mu.Unlock()

	e.deliver(st, deliverable, finished, err)
}

type deliverableChunk struct {
	data   []byte
	index  int
	isLast bool
}

// drainLocked pops every contiguous chunk starting at next and decides
// whether the stream just finished. Caller holds the lock.
func (e *Exchange) drainLocked(st *streamState) ([]deliverableChunk, bool, error) {
	var out []deliverableChunk
	for {
		data, ok := st.chunks[st.next]
		if !ok {
			break
		}
		delete(st.chunks, st.next)
		st.checksum.Write(data)
		out = append(out, deliverableChunk{
			data:   data,
			index:  st.next,
			isLast: st.lastIndex >= 0 && st.next == st.lastIndex,
		})
		st.next++
	}

	if !st.endSeen || st.next <= st.lastIndex {
		return out, false, nil
	}

	delete(e.streams, st.requestID)

	var err error
	if e.verify && st.endsum != "" {
		if actual := st.checksum.Sum(); actual != st.endsum {
			err = &core.StreamIntegrityError{RequestID: st.requestID, Expected: st.endsum, Actual: actual}
		}
	}
	return out, true, err
}

// deliver runs chunk callbacks and resolution outside the lock.
func (e *Exchange) deliver(st *streamState, chunks []deliverableChunk, finished bool, err error) {
	for _, c := range chunks {
		if st.onChunk != nil {
			st.onChunk(c.data, c.index, c.isLast)
		}
		e.emit(Event{Type: EventStreamChunkReceived, RequestID: st.requestID, DataType: st.dataType})
	}
	if finished {
		e.emit(Event{Type: EventStreamEnded, RequestID: st.requestID, DataType: st.dataType})
		st.done <- err
	}
}

func (e *Exchange) dropStream(requestID string) {
	e.mu.Lock()
	delete(e.streams, requestID)
	e.mu.Unlock()
}
