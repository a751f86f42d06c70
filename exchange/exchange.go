// Package exchange implements bulk data transfer between mesh services:
// correlated request/response for single values and chunked streaming for
// larger payloads. Providers register per data type; requesters correlate
// answers by request id. Chunks may arrive out of order; the receiver
// buffers them and delivers strictly ascending. Optional SHA-256 checksums
// guard stream integrity.
package exchange

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/internal/util"
	"github.com/hupe1980/meshlink/logging"
	"github.com/hupe1980/meshlink/transport"
)

// DefaultSubject carries data.* traffic unless overridden.
const DefaultSubject = "meshlink.data"

// ProviderFunc answers a data request. The returned value travels back to
// the requester; an error travels back as an ErrorPayload and re-raises
// there.
type ProviderFunc func(ctx context.Context, params map[string]any, requestID string) (any, error)

// StreamProviderFunc feeds a chunked transfer through the writer. Returning
// an error aborts the stream on the receiving side.
type StreamProviderFunc func(ctx context.Context, params map[string]any, w *StreamWriter) error

// ChunkFunc consumes received chunks in strictly ascending index order;
// isLast is true only for the final chunk.
type ChunkFunc func(chunk []byte, index int, isLast bool)

// EventType classifies data exchange notifications.
type EventType string

const (
	EventDataRequested       EventType = "dataRequested"
	EventDataResponded       EventType = "dataResponded"
	EventStreamStarted       EventType = "streamStarted"
	EventStreamChunkReceived EventType = "streamChunkReceived"
	EventStreamEnded         EventType = "streamEnded"
)

// Event is a data exchange notification.
type Event struct {
	Type      EventType
	RequestID string
	DataType  string
}

// Options configures an Exchange.
type Options struct {
	// Subject carries data.* traffic.
	Subject string
	// DefaultTimeout bounds Request and RequestStream waits when the call
	// does not carry its own timeout.
	DefaultTimeout time.Duration
	// Verify enables checksum verification on completed streams.
	Verify bool
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// RequestOptions tunes a single Request or RequestStream call.
type RequestOptions struct {
	// Timeout bounds the wait; zero means the exchange default.
	Timeout time.Duration
}

// dataResult resolves a pending request exactly once.
type dataResult struct {
	value any
	err   error
}

// Exchange moves data between mesh services for one participant. Public
// methods are safe for concurrent use.
type Exchange struct {
	serviceID      string
	subject        string
	defaultTimeout time.Duration
	verify         bool

	tp     transport.Transport
	logger logging.Logger

	mu              sync.Mutex
	providers       map[string]ProviderFunc
	streamProviders map[string]StreamProviderFunc
	pendingData     map[string]chan dataResult
	streams         map[string]*streamState
	listeners       []func(Event)
	sub             transport.Subscription
	baseCtx         context.Context
	baseCancel      context.CancelFunc
	started         bool
}

// New constructs an Exchange for the given local service identity.
func New(serviceID string, tp transport.Transport, optFns ...func(o *Options)) *Exchange {
	opts := Options{
		Subject:        DefaultSubject,
		DefaultTimeout: 30 * time.Second,
		Verify:         true,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Exchange{
		serviceID:       serviceID,
		subject:         opts.Subject,
		defaultTimeout:  opts.DefaultTimeout,
		verify:          opts.Verify,
		tp:              tp,
		logger:          opts.Logger,
		providers:       make(map[string]ProviderFunc),
		streamProviders: make(map[string]StreamProviderFunc),
		pendingData:     make(map[string]chan dataResult),
		streams:         make(map[string]*streamState),
	}
}

// Start subscribes to data.* traffic.
func (e *Exchange) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.baseCtx, e.baseCancel = context.WithCancel(ctx)
	e.mu.Unlock()

	sub, err := e.tp.Subscribe(e.subject, e.handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// Stop cancels running providers and detaches from the transport.
func (e *Exchange) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.baseCancel
	sub := e.sub
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// RegisterProvider installs the answerer for a data type.
func (e *Exchange) RegisterProvider(dataType string, fn ProviderFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[dataType] = fn
}

// RegisterStreamProvider installs the chunked-transfer source for a data
// type.
func (e *Exchange) RegisterStreamProvider(dataType string, fn StreamProviderFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamProviders[dataType] = fn
}

// OnEvent registers an observer. Observers run synchronously and must not
// block.
func (e *Exchange) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Request publishes a data request and waits for the correlated response.
// A provider-side error re-raises as *core.RemoteError; silence yields
// *core.TimeoutError.
func (e *Exchange) Request(ctx context.Context, dataType string, params map[string]any, optFns ...func(o *RequestOptions)) (any, error) {
	opts := RequestOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	requestID := util.NewID()
	waiter := make(chan dataResult, 1)

	e.mu.Lock()
	e.pendingData[requestID] = waiter
	e.mu.Unlock()

	p := core.DataRequestPayload{RequestID: requestID, DataType: dataType, Parameters: params}
	if err := e.publish(ctx, core.NewMessage(core.TypeDataRequest, p, core.WithSource(e.serviceID))); err != nil {
		e.dropPending(requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return res.value, res.err
	case <-timer.C:
		e.dropPending(requestID)
		return nil, &core.TimeoutError{Op: "data request " + dataType, Timeout: timeout}
	case <-ctx.Done():
		e.dropPending(requestID)
		return nil, ctx.Err()
	}
}

// handle routes inbound data.* messages.
func (e *Exchange) handle(tm *transport.Msg) {
	msg, err := core.Decode(tm.Data)
	if err != nil {
		e.logger.Warn("dropping undecodable data message", "error", err)
		return
	}
	if msg.Expired(time.Now()) {
		return
	}

	switch msg.Type {
	case core.TypeDataRequest:
		p, err := core.DecodePayload[core.DataRequestPayload](msg)
		if err != nil {
			e.logger.Warn("dropping malformed data request payload", "error", err)
			return
		}
		if p.Stream {
			e.serveStream(msg.Headers.Source, p)
		} else {
			e.serveRequest(msg.Headers.Source, p)
		}

	case core.TypeDataResponse:
		p, err := core.DecodePayload[core.DataResponsePayload](msg)
		if err != nil {
			e.logger.Warn("dropping malformed data response payload", "error", err)
			return
		}
		e.applyResponse(p)

	case core.TypeDataStreamStart:
		p, err := core.DecodePayload[core.StreamStartPayload](msg)
		if err != nil {
			e.logger.Warn("dropping malformed stream start payload", "error", err)
			return
		}
		e.applyStreamStart(p)

	case core.TypeDataStreamChunk:
		p, err := core.DecodePayload[core.StreamChunkPayload](msg)
		if err != nil {
			e.logger.Warn("dropping malformed stream chunk payload", "error", err)
			return
		}
		e.applyStreamChunk(p)

	case core.TypeDataStreamEnd:
		p, err := core.DecodePayload[core.StreamEndPayload](msg)
		if err != nil {
			e.logger.Warn("dropping malformed stream end payload", "error", err)
			return
		}
		e.applyStreamEnd(p)
	}
}

// serveRequest runs the registered provider and publishes the response.
// Requests for data types without a local provider are ignored; another
// service may serve them, and otherwise the requester times out.
func (e *Exchange) serveRequest(requester string, p core.DataRequestPayload) {
	e.mu.Lock()
	provider, ok := e.providers[p.DataType]
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
		resp := core.DataResponsePayload{RequestID: p.RequestID}
		data, err := provider(base, p.Parameters, p.RequestID)
		if err != nil {
			ep := core.NewErrorPayload(core.CodeHandlerFailed, err.Error(), e.serviceID, false)
			resp.Error = &ep
		} else {
			resp.Data = data
		}
		msg := core.NewMessage(core.TypeDataResponse, resp, core.WithSource(e.serviceID), core.WithTarget(requester), core.WithCorrelationID(p.RequestID))
		if err := e.publish(base, msg); err != nil {
			e.logger.Warn("data response publish failed", "request_id", p.RequestID, "error", err)
		}
	}()
}

// applyResponse resolves the pending request, re-raising a provider error.
func (e *Exchange) applyResponse(p core.DataResponsePayload) {
	e.mu.Lock()
	waiter, ok := e.pendingData[p.RequestID]
	if ok {
		delete(e.pendingData, p.RequestID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.emit(Event{Type: EventDataResponded, RequestID: p.RequestID})

	if p.Error != nil {
		waiter <- dataResult{err: &core.RemoteError{Payload: *p.Error}}
		return
	}
	waiter <- dataResult{value: p.Data}
}

func (e *Exchange) publish(ctx context.Context, msg core.Message) error {
	data, err := core.Encode(msg)
	if err != nil {
		return err
	}
	if err := e.tp.Publish(ctx, e.subject, data); err != nil {
		return &core.TransportError{Op: "publish", Subject: e.subject, Err: err}
	}
	return nil
}

func (e *Exchange) dropPending(requestID string) {
	e.mu.Lock()
	delete(e.pendingData, requestID)
	e.mu.Unlock()
}

// emit notifies listeners; must not be called under the lock.
func (e *Exchange) emit(ev Event) {
	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
