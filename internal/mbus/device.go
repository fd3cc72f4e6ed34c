package mbus

import "time"

// Device is one metering device on the bus, keyed by its address: either
// a primary address ("5") or a 16 hex-digit secondary address.
//
// Devices are created when the scanner discovers them or when they are
// declared in configuration, and are never deleted, only marked offline.
// Online is false only once ConsecutiveFailures has reached the configured
// retry limit; a single successful read restores it.
type Device struct {
	Address             string
	Name                string
	Manufacturer        string
	Medium              string
	Identification      string
	Online              bool
	ConsecutiveFailures int
	Records             []Record
	LastSeen            time.Time

	// PollInterval overrides the global read interval when non-zero.
	PollInterval time.Duration

	// LastRead is when the last read attempt finished (success or not).
	// The orchestrator schedules the next poll from it.
	LastRead time.Time
}

// NewDevice creates a device in the initial online state with a default
// display name derived from the address.
func NewDevice(address string) *Device {
	return &Device{
		Address:  address,
		Name:     "M-Bus Meter " + address,
		Online:   true,
		LastSeen: time.Now(),
	}
}

// MarkOnline records a successful read: failure counter reset, online.
func (d *Device) MarkOnline() {
	d.Online = true
	d.ConsecutiveFailures = 0
	d.LastSeen = time.Now()
}

// MarkFailure increments the consecutive failure counter.
func (d *Device) MarkFailure() {
	d.ConsecutiveFailures++
	d.LastSeen = time.Now()
}

// MarkOffline flags the device as offline. Callers invoke this only once
// ConsecutiveFailures has reached the retry limit.
func (d *Device) MarkOffline() {
	d.Online = false
	d.LastSeen = time.Now()
}

// ApplyData replaces the device's identity and record list with the
// result of a successful read.
func (d *Device) ApplyData(data *DeviceData) {
	d.Manufacturer = data.Manufacturer
	d.Medium = data.Medium
	d.Identification = data.Identification
	d.Records = data.Records
	d.MarkOnline()
}
