package core

import (
	"maps"
	"slices"
	"time"
)

// ServiceStatus is the observed availability of a peer service.
type ServiceStatus string

const (
	ServiceOnline  ServiceStatus = "online"
	ServiceOffline ServiceStatus = "offline"
)

// ServiceInfo is the registry record for one peer. Records are created on
// first register/heartbeat and never deleted; only Status flips once the
// peer goes silent past the offline timeout or unregisters.
type ServiceInfo struct {
	ServiceID     string
	ServiceType   string
	Capabilities  []string
	Status        ServiceStatus
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// HasCapability reports whether the service advertises the capability tag.
func (s *ServiceInfo) HasCapability(cap string) bool {
	return slices.Contains(s.Capabilities, cap)
}

// Clone returns a deep copy so registry internals never leak by reference.
func (s *ServiceInfo) Clone() *ServiceInfo {
	if s == nil {
		return nil
	}
	c := *s
	c.Capabilities = slices.Clone(s.Capabilities)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}
