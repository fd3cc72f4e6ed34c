package store

import (
	"context"
	"time"
)

// Store persists device snapshots, the outbound MQTT queue, and local
// reading history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Store interface {
	// SaveDeviceState upserts the snapshot for one meter.
	SaveDeviceState(ctx context.Context, state DeviceState) error

	// GetDeviceState returns the snapshot for one meter.
	//
	// Returns ErrNotFound if no snapshot exists for the device.
	GetDeviceState(ctx context.Context, deviceID string) (DeviceState, error)

	// LoadDeviceStates returns all persisted snapshots, used to restore
	// last known values at startup.
	LoadDeviceStates(ctx context.Context) ([]DeviceState, error)

	// DeleteDeviceState removes the snapshot for one meter.
	DeleteDeviceState(ctx context.Context, deviceID string) error

	// Enqueue appends an MQTT message to the outbound queue.
	//
	// Returns the assigned queue ID.
	Enqueue(ctx context.Context, topic, payload string, qos byte, retain bool) (int64, error)

	// Dequeue returns up to limit queued messages in insertion order.
	// Messages stay queued until acknowledged.
	Dequeue(ctx context.Context, limit int) ([]QueuedMessage, error)

	// Ack removes a delivered message from the queue.
	Ack(ctx context.Context, id int64) error

	// QueueSize returns the number of queued messages.
	QueueSize(ctx context.Context) (int, error)

	// RecordReading appends one numeric meter value to local history.
	RecordReading(ctx context.Context, deviceID, attribute string, value float64, timestamp time.Time) error

	// GetReadings returns recent history for one device attribute,
	// ordered newest first.
	GetReadings(ctx context.Context, deviceID, attribute string, limit int) ([]Reading, error)

	// PruneHistory deletes history entries older than the given duration
	// and returns the number of rows removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
