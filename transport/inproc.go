package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/meshlink/internal/util"
)

// InProc is an in-process Transport connecting components of one or more
// Mesh instances inside a single Go process. It is safe for concurrent use
// and preserves per-publisher FIFO ordering per subscription: each
// subscription drains its own queue in a dedicated goroutine.
type InProc struct {
	mu     sync.RWMutex
	subs   map[int64]*inprocSub
	nextID int64
	closed bool
}

// NewInProc constructs an empty in-process transport.
func NewInProc() *InProc {
	return &InProc{subs: make(map[int64]*inprocSub)}
}

// inprocSub is one subject binding with its own FIFO delivery queue.
type inprocSub struct {
	id      int64
	pattern string
	handler Handler
	queue   chan *Msg
	done    chan struct{}
	once    sync.Once
	parent  *InProc
}

// Publish delivers data to every subscription matching the subject.
// Enqueueing happens under the transport lock so two publishes from the same
// goroutine can never be observed out of order by one subscriber.
func (t *InProc) Publish(ctx context.Context, subject string, data []byte) error {
	return t.publish(ctx, &Msg{Subject: subject, Data: append([]byte(nil), data...)})
}

func (t *InProc) publish(ctx context.Context, msg *Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	for _, sub := range t.subs {
		if !subjectMatches(sub.pattern, msg.Subject) {
			continue
		}
		select {
		case sub.queue <- msg:
		case <-sub.done:
		}
	}
	return nil
}

// Subscribe binds a handler to a subject pattern and starts its delivery
// loop.
func (t *InProc) Subscribe(subject string, handler Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	t.nextID++
	sub := &inprocSub{
		id:      t.nextID,
		pattern: subject,
		handler: handler,
		queue:   make(chan *Msg, 256),
		done:    make(chan struct{}),
		parent:  t,
	}
	t.subs[sub.id] = sub

	go sub.loop()

	return sub, nil
}

// Request publishes with a private reply inbox and waits for the first
// answer. Responders publish to msg.Reply.
func (t *InProc) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	inbox := "_inbox." + util.NewID()
	replyCh := make(chan []byte, 1)

	sub, err := t.Subscribe(inbox, func(msg *Msg) {
		select {
		case replyCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe() //nolint:errcheck

	if err := t.publish(ctx, &Msg{Subject: subject, Reply: inbox, Data: append([]byte(nil), data...)}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrNoResponders
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches every subscription and rejects further use.
func (t *InProc) Close() error {
	t.mu.Lock()
	subs := make([]*inprocSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = map[int64]*inprocSub{}
	t.closed = true
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (s *inprocSub) loop() {
	for {
		select {
		case msg := <-s.queue:
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}

func (s *inprocSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe implements Subscription.
func (s *inprocSub) Unsubscribe() error {
	s.parent.mu.Lock()
	delete(s.parent.subs, s.id)
	s.parent.mu.Unlock()
	s.stop()
	return nil
}

// subjectMatches implements NATS-style subject matching: tokens are dot
// separated, '*' matches exactly one token and '>' matches one or more
// trailing tokens.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
