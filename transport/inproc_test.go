package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertion)
var _ Transport = (*InProc)(nil)

func collectMsgs(t *testing.T, ch <-chan *Msg, n int) []*Msg {
	t.Helper()
	out := make([]*Msg, 0, n)
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestInProc_PublishSubscribe(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	ch := make(chan *Msg, 8)
	sub, err := tp.Subscribe("meshlink.task", func(msg *Msg) { ch <- msg })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, tp.Publish(context.Background(), "meshlink.task", []byte("hello")))

	msgs := collectMsgs(t, ch, 1)
	assert.Equal(t, "meshlink.task", msgs[0].Subject)
	assert.Equal(t, []byte("hello"), msgs[0].Data)
}

func TestInProc_FIFOPerPublisher(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	ch := make(chan *Msg, 64)
	_, err := tp.Subscribe("meshlink.task", func(msg *Msg) { ch <- msg })
	require.NoError(t, err)

	const n = 50
	for i := range n {
		require.NoError(t, tp.Publish(context.Background(), "meshlink.task", []byte(fmt.Sprintf("%03d", i))))
	}

	msgs := collectMsgs(t, ch, n)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("%03d", i), string(msg.Data))
	}
}

func TestInProc_NoDeliveryToOtherSubjects(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	var mu sync.Mutex
	var got []string
	_, err := tp.Subscribe("meshlink.system", func(msg *Msg) {
		mu.Lock()
		got = append(got, msg.Subject)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, tp.Publish(context.Background(), "meshlink.task", []byte("x")))
	require.NoError(t, tp.Publish(context.Background(), "meshlink.system", []byte("y")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "meshlink.system"
	}, time.Second, 5*time.Millisecond)
}

func TestInProc_Request(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	_, err := tp.Subscribe("meshlink.echo", func(msg *Msg) {
		_ = tp.Publish(context.Background(), msg.Reply, append([]byte("re: "), msg.Data...))
	})
	require.NoError(t, err)

	reply, err := tp.Request(context.Background(), "meshlink.echo", []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("re: ping"), reply)
}

func TestInProc_RequestNoResponders(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	_, err := tp.Request(context.Background(), "meshlink.silent", []byte("ping"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestInProc_Unsubscribe(t *testing.T) {
	tp := NewInProc()
	defer tp.Close()

	ch := make(chan *Msg, 8)
	sub, err := tp.Subscribe("meshlink.task", func(msg *Msg) { ch <- msg })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, tp.Publish(context.Background(), "meshlink.task", []byte("x")))

	select {
	case <-ch:
		t.Fatal("received message after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInProc_ClosedRejectsUse(t *testing.T) {
	tp := NewInProc()
	require.NoError(t, tp.Close())

	assert.ErrorIs(t, tp.Publish(context.Background(), "meshlink.task", []byte("x")), ErrClosed)
	_, err := tp.Subscribe("meshlink.task", func(*Msg) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"meshlink.task", "meshlink.task", true},
		{"meshlink.task", "meshlink.system", false},
		{"meshlink.*", "meshlink.task", true},
		{"meshlink.*", "meshlink.task.sub", false},
		{"meshlink.>", "meshlink.task", true},
		{"meshlink.>", "meshlink.task.sub", true},
		{"meshlink.>", "meshlink", false},
		{"*.task", "meshlink.task", true},
		{"meshlink.*.end", "meshlink.stream.end", true},
		{"meshlink.*.end", "meshlink.stream.start", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.pattern, tc.subject), "pattern %q subject %q", tc.pattern, tc.subject)
	}
}
