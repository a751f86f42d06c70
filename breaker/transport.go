package breaker

import (
	"context"
	"time"

	"github.com/hupe1980/meshlink/transport"
)

// GuardedTransport decorates a Transport so every outbound Publish and
// Request flows through a circuit breaker. Subscriptions pass through
// unguarded: inbound delivery cannot cascade failures outward.
type GuardedTransport struct {
	inner transport.Transport
	b     *Breaker
}

var _ transport.Transport = (*GuardedTransport)(nil)

// Wrap guards the given transport with the breaker.
func Wrap(inner transport.Transport, b *Breaker) *GuardedTransport {
	return &GuardedTransport{inner: inner, b: b}
}

// Breaker exposes the guarding breaker for inspection and manual Reset.
func (t *GuardedTransport) Breaker() *Breaker { return t.b }

// Publish implements transport.Transport.
func (t *GuardedTransport) Publish(ctx context.Context, subject string, data []byte) error {
	return t.b.Execute(ctx, func(ctx context.Context) error {
		return t.inner.Publish(ctx, subject, data)
	})
}

// Subscribe implements transport.Transport.
func (t *GuardedTransport) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	return t.inner.Subscribe(subject, handler)
}

// Request implements transport.Transport.
func (t *GuardedTransport) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	var reply []byte
	err := t.b.Execute(ctx, func(ctx context.Context) error {
		var reqErr error
		reply, reqErr = t.inner.Request(ctx, subject, data, timeout)
		return reqErr
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Close implements transport.Transport.
func (t *GuardedTransport) Close() error { return t.inner.Close() }
