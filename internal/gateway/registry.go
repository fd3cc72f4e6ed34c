package gateway

import (
	"sort"
	"sync"

	"github.com/nerrad567/mbus-gateway/internal/mbus"
)

// Registry holds the meters known to this gateway, keyed by bus
// address. It is owned by the orchestrator; scans add devices, read
// workers update them.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*mbus.Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*mbus.Device)}
}

// Upsert adds a device or replaces the entry for its address.
func (r *Registry) Upsert(device *mbus.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.Address] = device
}

// Get returns the device at the given address.
func (r *Registry) Get(address string) (*mbus.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[address]
	return device, ok
}

// All returns all devices ordered by address.
func (r *Registry) All() []*mbus.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*mbus.Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
