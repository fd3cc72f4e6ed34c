package store

import "time"

// DeviceState is the persisted snapshot of one meter.
//
// The gateway saves a snapshot after every successful read and restores
// all snapshots at startup so Home Assistant sees last known values
// before the first bus poll completes.
type DeviceState struct {
	// DeviceID is the bus address of the meter (primary or secondary).
	DeviceID string `json:"device_id"`

	// DeviceType is the medium reported by the meter (Heat, Water, ...).
	DeviceType string `json:"device_type"`

	// Name is the display name used in discovery payloads.
	Name string `json:"name"`

	// Manufacturer is the decoded three-letter manufacturer code.
	Manufacturer string `json:"manufacturer"`

	// Model is the medium/version string reported by the meter.
	Model string `json:"model"`

	// SWVersion is the firmware generation byte, formatted for display.
	SWVersion string `json:"sw_version"`

	// Attributes maps attribute name to last known value.
	Attributes map[string]any `json:"attributes"`

	// Units maps attribute name to its unit of measurement, for
	// attributes that have one. Restored discovery configs need the
	// unit and cannot recover it from the value alone.
	Units map[string]string `json:"units,omitempty"`

	// LastUpdate is when the snapshot was taken (UTC).
	LastUpdate time.Time `json:"last_update"`

	// Online reports whether the meter was reachable at LastUpdate.
	Online bool `json:"online"`
}

// QueuedMessage is one MQTT message awaiting delivery.
//
// Messages are queued when the broker is unreachable and replayed in
// insertion order once the connection recovers. The ID is the queue
// position; Ack removes a delivered message by ID.
type QueuedMessage struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
	CreatedAt time.Time `json:"created_at"`
}

// Reading is one numeric meter value recorded to local history.
type Reading struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	Attribute string    `json:"attribute"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}
