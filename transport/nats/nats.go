// Package nats binds the MeshLink transport interface to a NATS connection.
// It is a thin adapter: subjects, wildcards and request-reply semantics map
// one to one onto the NATS client.
package nats

import (
	"context"
	"errors"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/hupe1980/meshlink/transport"
)

// Transport adapts a *nats.Conn to transport.Transport. The connection is
// owned by the caller; Close drains subscriptions created through this
// adapter but leaves the connection open for other users.
type Transport struct {
	conn *natsgo.Conn
	subs []*natsgo.Subscription
}

var _ transport.Transport = (*Transport)(nil)

// New wraps an established NATS connection.
func New(conn *natsgo.Conn) *Transport {
	return &Transport{conn: conn}
}

// Connect dials a NATS server and wraps the resulting connection.
func Connect(url string, opts ...natsgo.Option) (*Transport, error) {
	conn, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Publish implements transport.Transport.
func (t *Transport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.conn.Publish(subject, data)
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(m *natsgo.Msg) {
		handler(&transport.Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	t.subs = append(t.subs, sub)
	return sub, nil
}

// Request implements transport.Transport.
func (t *Transport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrNoResponders
		}
		return nil, err
	}
	return msg.Data, nil
}

// Close drains the subscriptions created through this adapter.
func (t *Transport) Close() error {
	var errs []error
	for _, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}
