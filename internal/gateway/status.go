package gateway

import (
	"sync"
	"time"
)

// Status is a point-in-time health snapshot of the gateway.
type Status struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	Uptime     time.Duration   `json:"uptime"`
}

// StatusTracker records per-component health. Components report in via
// SetComponent; an external health endpoint can serve Snapshot.
type StatusTracker struct {
	mu         sync.RWMutex
	components map[string]bool
	started    time.Time
}

// NewStatusTracker creates a tracker with the uptime clock started.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		components: make(map[string]bool),
		started:    time.Now(),
	}
}

// SetComponent records the health of one component.
func (s *StatusTracker) SetComponent(name string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = healthy
}

// Snapshot returns the current health picture. The gateway is healthy
// only when every reporting component is.
func (s *StatusTracker) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	components := make(map[string]bool, len(s.components))
	healthy := true
	for name, ok := range s.components {
		components[name] = ok
		if !ok {
			healthy = false
		}
	}

	return Status{
		Healthy:    healthy,
		Components: components,
		Uptime:     time.Since(s.started),
	}
}
