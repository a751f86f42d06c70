package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed transport.
	ErrClosed = errors.New("transport is closed")

	// ErrNoResponders is returned by Request when nothing answered before
	// the timeout.
	ErrNoResponders = errors.New("no responders on subject")
)

// Msg is a single delivery. Reply is set on request-style deliveries and
// names the subject the responder should publish its answer on.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler consumes deliveries for one subscription. Handlers are invoked
// sequentially per subscription in publish order; a slow handler delays only
// its own subscription.
type Handler func(msg *Msg)

// Subscription is an active subject binding.
type Subscription interface {
	// Unsubscribe detaches the handler. Safe to call more than once.
	Unsubscribe() error
}

// Transport is the pub/sub primitive MeshLink requires. Subjects support
// NATS-style wildcards: '*' matches one token, '>' matches the remainder.
type Transport interface {
	// Publish sends data on a subject. Delivery order is guaranteed per
	// publisher per subject; cross-subject ordering is not.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe binds a handler to a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Request publishes and waits for a single reply or the timeout.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close tears the transport down, detaching all subscriptions.
	Close() error
}
