package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/transport"
)

func newTestExchange(t *testing.T, serviceID string, tp transport.Transport, optFns ...func(o *Options)) *Exchange {
	t.Helper()
	e := New(serviceID, tp, optFns...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestExchange_RequestResponse(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	provider := newTestExchange(t, "provider", tp)
	requester := newTestExchange(t, "requester", tp)

	provider.RegisterProvider("user.profile", func(ctx context.Context, params map[string]any, requestID string) (any, error) {
		userID, _ := params["userId"].(string)
		return map[string]any{"userId": userID, "name": "Ada"}, nil
	})

	result, err := requester.Request(context.Background(), "user.profile",
		map[string]any{"userId": "u-1"},
		func(o *RequestOptions) { o.Timeout = time.Second },
	)
	require.NoError(t, err)

	profile, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u-1", profile["userId"])
	assert.Equal(t, "Ada", profile["name"])
}

func TestExchange_RequestTimesOutWithoutProvider(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	requester := newTestExchange(t, "requester", tp)

	start := time.Now()
	_, err := requester.Request(context.Background(), "nobody.provides.this", nil,
		func(o *RequestOptions) { o.Timeout = 100 * time.Millisecond })
	elapsed := time.Since(start)

	var terr *core.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 100*time.Millisecond, terr.Timeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestExchange_ProviderErrorPropagates(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	provider := newTestExchange(t, "provider", tp)
	requester := newTestExchange(t, "requester", tp)

	provider.RegisterProvider("flaky.data", func(ctx context.Context, params map[string]any, requestID string) (any, error) {
		return nil, errors.New("backing store unavailable")
	})

	_, err := requester.Request(context.Background(), "flaky.data", nil,
		func(o *RequestOptions) { o.Timeout = time.Second })

	var rerr *core.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, core.CodeHandlerFailed, rerr.Payload.Code)
	assert.Equal(t, "provider", rerr.Payload.Source)
	assert.Contains(t, rerr.Payload.Message, "backing store unavailable")
}

func TestExchange_StreamRoundTrip(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	provider := newTestExchange(t, "provider", tp)
	requester := newTestExchange(t, "requester", tp)

	payload := []byte("chunked transfer with ordered delivery and a final checksum")
	provider.RegisterStreamProvider("report.body", func(ctx context.Context, params map[string]any, w *StreamWriter) error {
		const chunkSize = 8
		for off := 0; off < len(payload); off += chunkSize {
			end := min(off+chunkSize, len(payload))
			if err := w.Send(payload[off:end]); err != nil {
				return err
			}
		}
		return nil
	})

	var mu sync.Mutex
	var assembled []byte
	var indices []int
	var lastFlags []bool

	err := requester.RequestStream(context.Background(), "report.body", nil,
		func(chunk []byte, index int, isLast bool) {
			mu.Lock()
			assembled = append(assembled, chunk...)
			indices = append(indices, index)
			lastFlags = append(lastFlags, isLast)
			mu.Unlock()
		},
		func(o *RequestOptions) { o.Timeout = time.Second },
	)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, assembled)
	for i, idx := range indices {
		assert.Equal(t, i, idx, "chunks must arrive in ascending order")
		assert.Equal(t, i == len(indices)-1, lastFlags[i], "only the final chunk carries isLast")
	}
}

func TestExchange_StreamProviderErrorAborts(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	provider := newTestExchange(t, "provider", tp)
	requester := newTestExchange(t, "requester", tp)

	provider.RegisterStreamProvider("report.body", func(ctx context.Context, params map[string]any, w *StreamWriter) error {
		if err := w.Send([]byte("partial")); err != nil {
			return err
		}
		return errors.New("source truncated")
	})

	err := requester.RequestStream(context.Background(), "report.body", nil, nil,
		func(o *RequestOptions) { o.Timeout = time.Second })

	var rerr *core.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, core.CodeStreamAborted, rerr.Payload.Code)
	assert.Contains(t, rerr.Payload.Message, "source truncated")
}

func TestExchange_StreamTimesOutWhenIncomplete(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	requester := newTestExchange(t, "requester", tp)

	requestID := captureStreamRequest(t, tp)

	done := make(chan error, 1)
	go func() {
		done <- requester.RequestStream(context.Background(), "report.body", nil, nil,
			func(o *RequestOptions) { o.Timeout = 100 * time.Millisecond })
	}()

	// Open the stream and send one chunk, then go silent.
	id := <-requestID
	publishData(t, tp, core.TypeDataStreamStart, core.StreamStartPayload{RequestID: id, DataType: "report.body"})
	publishData(t, tp, core.TypeDataStreamChunk, core.StreamChunkPayload{RequestID: id, Index: 0, Data: []byte("only")})

	select {
	case err := <-done:
		var terr *core.TimeoutError
		require.ErrorAs(t, err, &terr)
	case <-time.After(time.Second):
		t.Fatal("incomplete stream did not time out")
	}
}

func TestExchange_OutOfOrderChunksDeliveredAscending(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	requester := newTestExchange(t, "requester", tp)

	requestID := captureStreamRequest(t, tp)

	var mu sync.Mutex
	var indices []int
	done := make(chan error, 1)
	go func() {
		done <- requester.RequestStream(context.Background(), "report.body", nil,
			func(chunk []byte, index int, isLast bool) {
				mu.Lock()
				indices = append(indices, index)
				mu.Unlock()
			},
			func(o *RequestOptions) { o.Timeout = time.Second })
	}()

	id := <-requestID
	chunks := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}

	publishData(t, tp, core.TypeDataStreamStart, core.StreamStartPayload{RequestID: id, DataType: "report.body"})
	publishData(t, tp, core.TypeDataStreamChunk, core.StreamChunkPayload{RequestID: id, Index: 2, Data: chunks[2], IsLast: true})
	publishData(t, tp, core.TypeDataStreamChunk, core.StreamChunkPayload{RequestID: id, Index: 0, Data: chunks[0]})
	publishData(t, tp, core.TypeDataStreamChunk, core.StreamChunkPayload{RequestID: id, Index: 1, Data: chunks[1]})
	publishData(t, tp, core.TypeDataStreamEnd, core.StreamEndPayload{RequestID: id})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not resolve")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, indices)
}

func TestExchange_ChecksumMismatchRejected(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	requester := newTestExchange(t, "requester", tp)

	requestID := captureStreamRequest(t, tp)

	done := make(chan error, 1)
	go func() {
		done <- requester.RequestStream(context.Background(), "report.body", nil, nil,
			func(o *RequestOptions) { o.Timeout = time.Second })
	}()

	id := <-requestID
	publishData(t, tp, core.TypeDataStreamStart, core.StreamStartPayload{RequestID: id, DataType: "report.body"})
	publishData(t, tp, core.TypeDataStreamChunk, core.StreamChunkPayload{RequestID: id, Index: 0, Data: []byte("tampered"), IsLast: true})
	publishData(t, tp, core.TypeDataStreamEnd, core.StreamEndPayload{RequestID: id, Checksum: "deadbeef"})

	select {
	case err := <-done:
		var ierr *core.StreamIntegrityError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "deadbeef", ierr.Expected)
		assert.NotEmpty(t, ierr.Actual)
	case <-time.After(time.Second):
		t.Fatal("stream did not resolve")
	}
}

func TestExchange_Events(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	provider := newTestExchange(t, "provider", tp)
	requester := newTestExchange(t, "requester", tp)

	provider.RegisterProvider("stats", func(ctx context.Context, params map[string]any, requestID string) (any, error) {
		return 42, nil
	})

	var mu sync.Mutex
	seen := map[EventType]bool{}
	provider.OnEvent(func(ev Event) {
		mu.Lock()
		seen[ev.Type] = true
		mu.Unlock()
	})
	requester.OnEvent(func(ev Event) {
		mu.Lock()
		seen[ev.Type] = true
		mu.Unlock()
	})

	_, err := requester.Request(context.Background(), "stats", nil,
		func(o *RequestOptions) { o.Timeout = time.Second })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen[EventDataRequested])
	assert.True(t, seen[EventDataResponded])
}

// captureStreamRequest subscribes ahead of a RequestStream call and reports
// the request id it publishes.
func captureStreamRequest(t *testing.T, tp transport.Transport) <-chan string {
	t.Helper()
	ch := make(chan string, 1)
	_, err := tp.Subscribe(DefaultSubject, func(m *transport.Msg) {
		msg, err := core.Decode(m.Data)
		if err != nil || msg.Type != core.TypeDataRequest {
			return
		}
		p, err := core.DecodePayload[core.DataRequestPayload](msg)
		if err != nil || !p.Stream {
			return
		}
		select {
		case ch <- p.RequestID:
		default:
		}
	})
	require.NoError(t, err)
	return ch
}

func publishData(t *testing.T, tp transport.Transport, msgType core.MessageType, payload any) {
	t.Helper()
	msg := core.NewMessage(msgType, payload, core.WithSource("remote-peer"))
	data, err := core.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, tp.Publish(context.Background(), DefaultSubject, data))
}
