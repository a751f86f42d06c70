// Package breaker implements a circuit breaker guarding outbound calls to a
// single destination. A closed breaker passes calls through and counts
// consecutive failures; once the failure threshold is reached it opens and
// fails fast without invoking the wrapped function. After the reset timeout
// it half-opens and admits trial calls: enough consecutive successes close
// it again, any failure re-opens it.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/logging"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// EventType classifies breaker notifications.
type EventType string

const (
	EventOpen     EventType = "open"
	EventClose    EventType = "close"
	EventHalfOpen EventType = "halfOpen"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
)

// Event is a breaker notification delivered to subscribed listeners.
type Event struct {
	Type EventType
	Name string
	From State
	To   State
	Err  error
}

// CircuitState is a point-in-time snapshot of the breaker counters.
type CircuitState struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastStateChange      time.Time
}

// Options configures a Breaker.
type Options struct {
	// Name identifies the guarded destination in errors, events and logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before admitting
	// trial calls.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of consecutive trial
	// successes that closes a half-open breaker.
	HalfOpenSuccessThreshold int
	// Timeout bounds each wrapped call; exceeding it counts as a failure.
	Timeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Breaker wraps outbound calls to one destination with the failure-threshold
// state machine. Safe for concurrent use.
type Breaker struct {
	name                     string
	failureThreshold         int
	resetTimeout             time.Duration
	halfOpenSuccessThreshold int
	timeout                  time.Duration
	logger                   logging.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStateChange      time.Time
	listeners            []func(Event)

	now func() time.Time
}

// New constructs a closed Breaker with safe defaults.
func New(optFns ...func(o *Options)) *Breaker {
	opts := Options{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
		Timeout:                  10 * time.Second,
		Logger:                   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Breaker{
		name:                     opts.Name,
		failureThreshold:         opts.FailureThreshold,
		resetTimeout:             opts.ResetTimeout,
		halfOpenSuccessThreshold: opts.HalfOpenSuccessThreshold,
		timeout:                  opts.Timeout,
		logger:                   opts.Logger,
		state:                    StateClosed,
		lastStateChange:          time.Now(),
		now:                      time.Now,
	}
}

// Subscribe registers a listener for breaker events. Listeners are invoked
// synchronously and must not block.
func (b *Breaker) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Execute runs fn through the breaker. An open breaker rejects immediately
// with *core.CircuitOpenError and never invokes fn. The call is bounded by
// the configured timeout; expiry yields *core.TimeoutError and counts as a
// failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := b.run(ctx, fn)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// run invokes fn bounded by the call-level timeout.
func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &core.TimeoutError{Op: "breaker call " + b.name, Timeout: b.timeout}
	}
}

// allow admits or rejects a call, moving an expired open breaker to
// half-open first.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastStateChange) < b.resetTimeout {
			return &core.CircuitOpenError{Name: b.name}
		}
		b.transitionLocked(StateHalfOpen, EventHalfOpen, nil)
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.emitLocked(Event{Type: EventSuccess, Name: b.name, From: b.state, To: b.state})

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.halfOpenSuccessThreshold {
		b.transitionLocked(StateClosed, EventClose, nil)
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) recordFailure(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.emitLocked(Event{Type: EventFailure, Name: b.name, From: b.state, To: b.state, Err: cause})

	switch b.state {
	case StateHalfOpen:
		// Any trial failure re-opens and restarts the reset timer.
		b.transitionLocked(StateOpen, EventOpen, cause)
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.transitionLocked(StateOpen, EventOpen, cause)
		}
	}
}

// circuitLogger is the optional richer interface a Logger may implement to
// receive structured breaker transitions (see logging.MeshLogger).
type circuitLogger interface {
	LogCircuitTransition(name, from, to string)
}

// transitionLocked flips the state and notifies listeners; caller holds the
// lock.
func (b *Breaker) transitionLocked(to State, event EventType, cause error) {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	if cl, ok := b.logger.(circuitLogger); ok {
		cl.LogCircuitTransition(b.name, string(from), string(to))
	} else {
		b.logger.Info("circuit breaker state change", "breaker", b.name, "from", string(from), "to", string(to))
	}
	b.emitLocked(Event{Type: event, Name: b.name, From: from, To: to, Err: cause})
}

func (b *Breaker) emitLocked(ev Event) {
	for _, fn := range b.listeners {
		fn(ev)
	}
}

// IsOpen reports whether the breaker currently rejects calls. It is
// side-effect free: an elapsed reset timeout is only acted on by the next
// Execute.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.lastStateChange) < b.resetTimeout
}

// State returns the current breaker position without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the full breaker counters.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastStateChange:      b.lastStateChange,
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionLocked(StateClosed, EventClose, nil)
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}
