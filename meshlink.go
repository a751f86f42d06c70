// Package meshlink provides a high-level façade over the mesh building
// blocks (service registry, task manager, data exchange & logging) enabling
// rapid construction of cooperating agent services. Most applications
// interact with this package by:
//  1. Creating a Mesh via New() with a transport (in-process or NATS)
//  2. Registering task handlers and data providers
//  3. Calling Start() and delegating work via Tasks() and Exchange()
//
// The façade wires the subsystems together over one transport and one
// logger while keeping setup ergonomics concise. All defaults are safe for
// local development and testing; production deployments typically supply a
// NATS-backed transport and a structured logger.
package meshlink

import (
	"context"
	"errors"

	"github.com/hupe1980/meshlink/breaker"
	"github.com/hupe1980/meshlink/exchange"
	"github.com/hupe1980/meshlink/logging"
	"github.com/hupe1980/meshlink/registry"
	"github.com/hupe1980/meshlink/task"
	"github.com/hupe1980/meshlink/transport"
)

// Options configures a Mesh instance.
type Options struct {
	// Capabilities this service advertises in the registry and matches
	// against capability-scoped task requests.
	Capabilities []string

	// Metadata is attached to the registry announcement.
	Metadata map[string]string

	// Registry tunes the service registry (heartbeat interval, subject).
	Registry func(o *registry.Options)

	// Tasks tunes the task manager (retry policy, timeouts, subject).
	Tasks func(o *task.Options)

	// Exchange tunes the data exchange (timeouts, checksum verification).
	Exchange func(o *exchange.Options)

	// Breaker, when non-nil, wraps the transport in a circuit breaker so
	// that a failing transport fails fast instead of piling up timeouts.
	Breaker *breaker.Breaker

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating registry, task manager and data
// exchange over a single transport.
type Mesh struct {
	serviceID string
	tp        transport.Transport
	registry  *registry.Registry
	tasks     *task.Manager
	exchange  *exchange.Exchange
	started   bool
}

// New creates a Mesh for the given service identity on top of the supplied
// transport.
func New(serviceID, serviceType string, tp transport.Transport, optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Breaker != nil {
		tp = breaker.Wrap(tp, opts.Breaker)
	}

	reg := registry.New(serviceID, serviceType, tp, func(o *registry.Options) {
		o.Capabilities = opts.Capabilities
		o.Metadata = opts.Metadata
		o.Logger = opts.Logger
		if opts.Registry != nil {
			opts.Registry(o)
		}
	})

	tasks := task.NewManager(serviceID, tp, func(o *task.Options) {
		o.Capabilities = opts.Capabilities
		o.Logger = opts.Logger
		if opts.Tasks != nil {
			opts.Tasks(o)
		}
	})

	ex := exchange.New(serviceID, tp, func(o *exchange.Options) {
		o.Logger = opts.Logger
		if opts.Exchange != nil {
			opts.Exchange(o)
		}
	})

	return &Mesh{
		serviceID: serviceID,
		tp:        tp,
		registry:  reg,
		tasks:     tasks,
		exchange:  ex,
	}
}

// ServiceID returns the local service identifier.
func (m *Mesh) ServiceID() string { return m.serviceID }

// Transport returns the transport the mesh communicates over, including the
// circuit breaker wrapper when one was configured.
func (m *Mesh) Transport() transport.Transport { return m.tp }

// Registry returns the service registry.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Tasks returns the task manager.
func (m *Mesh) Tasks() *task.Manager { return m.tasks }

// Exchange returns the data exchange.
func (m *Mesh) Exchange() *exchange.Exchange { return m.exchange }

// Start brings up all subsystems: the mesh subscribes to its subjects and
// announces itself to the registry. Handlers and providers registered before
// Start are claimable immediately.
func (m *Mesh) Start(ctx context.Context) error {
	if m.started {
		return nil
	}
	if err := m.tasks.Start(ctx); err != nil {
		return err
	}
	if err := m.exchange.Start(ctx); err != nil {
		_ = m.tasks.Stop()
		return err
	}
	if err := m.registry.Start(ctx); err != nil {
		_ = m.exchange.Stop()
		_ = m.tasks.Stop()
		return err
	}
	m.started = true
	return nil
}

// Stop announces departure and tears down all subsystems. Errors from the
// individual subsystems are joined.
func (m *Mesh) Stop(ctx context.Context) error {
	if !m.started {
		return nil
	}
	m.started = false
	return errors.Join(
		m.registry.Stop(ctx),
		m.exchange.Stop(),
		m.tasks.Stop(),
	)
}
