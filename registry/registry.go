// Package registry maintains an eventually-consistent view of the services
// participating in the mesh. Services announce themselves with
// system.register, refresh liveness with periodic system.heartbeat and
// depart with system.unregister. A monitor tick flips any service silent
// past the offline timeout to offline. Records are never deleted, only
// their status changes; absence of a service is "not yet observed", never
// an error.
package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/logging"
	"github.com/hupe1980/meshlink/transport"
)

// DefaultSubject is the subject the registry publishes and consumes
// system.* traffic on unless overridden.
const DefaultSubject = "meshlink.system"

// StatusChange notifies observers that a service flipped between online and
// offline. Service is a snapshot copy.
type StatusChange struct {
	ServiceID string
	From      core.ServiceStatus
	To        core.ServiceStatus
	Service   *core.ServiceInfo
}

// Options configures a Registry.
type Options struct {
	// Subject carries system.* traffic.
	Subject string
	// HeartbeatInterval is the period between own heartbeat publications.
	HeartbeatInterval time.Duration
	// OfflineTimeout is the silence span after which a peer is marked
	// offline. Zero means three heartbeat intervals.
	OfflineTimeout time.Duration
	// Capabilities advertised in the register announcement.
	Capabilities []string
	// Metadata attached to the register announcement.
	Metadata map[string]string
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Registry tracks known services for one mesh participant. Public methods
// are safe for concurrent use.
type Registry struct {
	serviceID   string
	serviceType string
	subject     string

	heartbeatInterval time.Duration
	offlineTimeout    time.Duration
	capabilities      []string
	metadata          map[string]string

	tp     transport.Transport
	logger logging.Logger

	mu        sync.RWMutex
	services  map[string]*core.ServiceInfo
	listeners []func(StatusChange)
	sub       transport.Subscription
	cancel    context.CancelFunc
	started   bool
}

// New constructs a Registry for the given local service identity.
func New(serviceID, serviceType string, tp transport.Transport, optFns ...func(o *Options)) *Registry {
	opts := Options{
		Subject:           DefaultSubject,
		HeartbeatInterval: 10 * time.Second,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = 3 * opts.HeartbeatInterval
	}

	return &Registry{
		serviceID:         serviceID,
		serviceType:       serviceType,
		subject:           opts.Subject,
		heartbeatInterval: opts.HeartbeatInterval,
		offlineTimeout:    opts.OfflineTimeout,
		capabilities:      opts.Capabilities,
		metadata:          opts.Metadata,
		tp:                tp,
		logger:            opts.Logger,
		services:          make(map[string]*core.ServiceInfo),
	}
}

// Start subscribes to system.* traffic, announces this service and begins
// periodic heartbeat publication and offline monitoring. It returns once the
// subscription is active; background work stops on Stop or when ctx ends.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	sub, err := r.tp.Subscribe(r.subject, r.handle)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	if err := r.announce(ctx); err != nil {
		return err
	}

	go r.heartbeatLoop(ctx)
	go r.monitorLoop(ctx)

	return nil
}

// Stop publishes an unregister announcement and halts background work.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	sub := r.sub
	r.mu.Unlock()

	msg := core.NewMessage(core.TypeSystemUnregister, core.UnregisterPayload{
		ServiceID: r.serviceID,
		Reason:    "shutdown",
	}, core.WithSource(r.serviceID))
	err := r.publish(ctx, msg)

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	return err
}

// OnStatusChange registers an observer notified on every online/offline
// flip. Observers run synchronously on the delivery goroutine and must not
// block.
func (r *Registry) OnStatusChange(fn func(StatusChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Services returns snapshot copies of every known service record.
func (r *Registry) Services() []*core.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.ServiceInfo, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s.Clone())
	}
	return out
}

// Service returns a snapshot of one record, if observed.
func (r *Registry) Service(serviceID string) (*core.ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[serviceID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// FindByCapability returns snapshots of the ONLINE services advertising the
// capability tag.
func (r *Registry) FindByCapability(capability string) []*core.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ServiceInfo
	for _, s := range r.services {
		if s.Status == core.ServiceOnline && s.HasCapability(capability) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Discover asks peers to re-announce themselves, speeding up convergence for
// late joiners. Capability may be empty to address everyone.
func (r *Registry) Discover(ctx context.Context, capability string) error {
	msg := core.NewMessage(core.TypeSystemDiscover, core.DiscoverPayload{
		Capability: capability,
	}, core.WithSource(r.serviceID))
	return r.publish(ctx, msg)
}

// announce publishes this service's register message.
func (r *Registry) announce(ctx context.Context) error {
	msg := core.NewMessage(core.TypeSystemRegister, core.RegisterPayload{
		ServiceID:    r.serviceID,
		ServiceType:  r.serviceType,
		Capabilities: r.capabilities,
		Metadata:     r.metadata,
	}, core.WithSource(r.serviceID))
	return r.publish(ctx, msg)
}

func (r *Registry) publish(ctx context.Context, msg core.Message) error {
	data, err := core.Encode(msg)
	if err != nil {
		return err
	}
	if err := r.tp.Publish(ctx, r.subject, data); err != nil {
		return &core.TransportError{Op: "publish", Subject: r.subject, Err: err}
	}
	return nil
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg := core.NewMessage(core.TypeSystemHeartbeat, core.HeartbeatPayload{
				ServiceID: r.serviceID,
			}, core.WithSource(r.serviceID))
			if err := r.publish(ctx, msg); err != nil {
				r.logger.Warn("heartbeat publish failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expireSilent(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// expireSilent marks every service silent past the offline timeout as
// offline and notifies observers.
func (r *Registry) expireSilent(now time.Time) {
	var changes []StatusChange

	r.mu.Lock()
	for _, s := range r.services {
		if s.ServiceID == r.serviceID {
			continue
		}
		if s.Status == core.ServiceOnline && now.Sub(s.LastHeartbeat) > r.offlineTimeout {
			s.Status = core.ServiceOffline
			changes = append(changes, StatusChange{
				ServiceID: s.ServiceID,
				From:      core.ServiceOnline,
				To:        core.ServiceOffline,
				Service:   s.Clone(),
			})
		}
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, change := range changes {
		r.logger.Info("service went offline", "service_id", change.ServiceID)
		for _, fn := range listeners {
			fn(change)
		}
	}
}

// handle routes inbound system.* messages.
func (r *Registry) handle(m *transport.Msg) {
	msg, err := core.Decode(m.Data)
	if err != nil {
		r.logger.Warn("dropping undecodable system message", "error", err)
		return
	}
	if msg.Expired(time.Now()) {
		return
	}

	switch msg.Type {
	case core.TypeSystemRegister:
		p, err := core.DecodePayload[core.RegisterPayload](msg)
		if err != nil {
			r.logger.Warn("dropping malformed register payload", "error", err)
			return
		}
		r.applyRegister(p)

	case core.TypeSystemHeartbeat:
		p, err := core.DecodePayload[core.HeartbeatPayload](msg)
		if err != nil {
			r.logger.Warn("dropping malformed heartbeat payload", "error", err)
			return
		}
		r.applyHeartbeat(p)

	case core.TypeSystemUnregister:
		p, err := core.DecodePayload[core.UnregisterPayload](msg)
		if err != nil {
			r.logger.Warn("dropping malformed unregister payload", "error", err)
			return
		}
		r.applyUnregister(p)

	case core.TypeSystemDiscover:
		// Peers want the current roster; re-announce ourselves unless we
		// asked.
		if msg.Headers.Source != r.serviceID {
			if err := r.announce(context.Background()); err != nil {
				r.logger.Warn("re-announce failed", "error", err)
			}
		}
	}
}

func (r *Registry) applyRegister(p core.RegisterPayload) {
	now := time.Now()

	r.mu.Lock()
	s, ok := r.services[p.ServiceID]
	firstContact := !ok && p.ServiceID != r.serviceID
	var change *StatusChange
	if !ok {
		s = &core.ServiceInfo{ServiceID: p.ServiceID}
		r.services[p.ServiceID] = s
		change = &StatusChange{ServiceID: p.ServiceID, From: core.ServiceOffline, To: core.ServiceOnline}
	} else if s.Status != core.ServiceOnline {
		change = &StatusChange{ServiceID: p.ServiceID, From: s.Status, To: core.ServiceOnline}
	}
	s.ServiceType = p.ServiceType
	s.Capabilities = append([]string(nil), p.Capabilities...)
	s.Metadata = p.Metadata
	s.Status = core.ServiceOnline
	s.LastHeartbeat = now
	if change != nil {
		change.Service = s.Clone()
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if change != nil {
		r.logger.Debug("service registered", "service_id", p.ServiceID, "service_type", p.ServiceType)
		for _, fn := range listeners {
			fn(*change)
		}
	}

	// A register from a peer we have never seen means that peer likely missed
	// our own announcement; re-announce so late joiners converge without
	// waiting for a heartbeat. The peer already knows us on the second round,
	// so this cannot loop.
	if firstContact {
		if err := r.announce(context.Background()); err != nil {
			r.logger.Warn("re-announce failed", "error", err)
		}
	}
}

func (r *Registry) applyHeartbeat(p core.HeartbeatPayload) {
	now := time.Now()

	r.mu.Lock()
	s, ok := r.services[p.ServiceID]
	var change *StatusChange
	if !ok {
		// First contact via heartbeat; the register announcement may still
		// be in flight or was missed entirely.
		s = &core.ServiceInfo{ServiceID: p.ServiceID}
		r.services[p.ServiceID] = s
		change = &StatusChange{ServiceID: p.ServiceID, From: core.ServiceOffline, To: core.ServiceOnline}
	} else if s.Status != core.ServiceOnline {
		change = &StatusChange{ServiceID: p.ServiceID, From: s.Status, To: core.ServiceOnline}
	}
	s.Status = core.ServiceOnline
	s.LastHeartbeat = now
	if change != nil {
		change.Service = s.Clone()
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if change != nil {
		for _, fn := range listeners {
			fn(*change)
		}
	}
}

func (r *Registry) applyUnregister(p core.UnregisterPayload) {
	r.mu.Lock()
	s, ok := r.services[p.ServiceID]
	var change *StatusChange
	if ok && s.Status != core.ServiceOffline {
		change = &StatusChange{ServiceID: p.ServiceID, From: s.Status, To: core.ServiceOffline}
		s.Status = core.ServiceOffline
		change.Service = s.Clone()
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	if change != nil {
		r.logger.Debug("service unregistered", "service_id", p.ServiceID)
		for _, fn := range listeners {
			fn(*change)
		}
	}
}
