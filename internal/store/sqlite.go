package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/database"
)

const (
	defaultDequeueLimit = 50
	maxDequeueLimit     = 500

	defaultReadingsLimit = 50
	maxReadingsLimit     = 200
)

// SQLiteStore implements Store using the gateway's SQLite database.
//
// Snapshots store attributes as JSON in device_states; the outbound
// queue and reading history use plain columns. All timestamps are
// RFC3339 UTC strings.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a store over an open database connection.
//
// The caller owns the connection lifecycle; closing the database closes
// the store.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveDeviceState upserts the snapshot for one meter.
func (s *SQLiteStore) SaveDeviceState(ctx context.Context, state DeviceState) error {
	if state.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if state.Attributes == nil {
		state.Attributes = map[string]any{}
	}
	if state.LastUpdate.IsZero() {
		state.LastUpdate = time.Now().UTC()
	}

	attrJSON, err := json.Marshal(stateEnvelope{
		Attributes: state.Attributes,
		Units:      state.Units,
	})
	if err != nil {
		return fmt.Errorf("marshalling attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_states
		   (device_id, device_type, name, manufacturer, model, sw_version, state_json, last_update, online)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   device_type = excluded.device_type,
		   name        = excluded.name,
		   manufacturer = excluded.manufacturer,
		   model       = excluded.model,
		   sw_version  = excluded.sw_version,
		   state_json  = excluded.state_json,
		   last_update = excluded.last_update,
		   online      = excluded.online`,
		state.DeviceID,
		state.DeviceType,
		state.Name,
		state.Manufacturer,
		state.Model,
		state.SWVersion,
		string(attrJSON),
		state.LastUpdate.UTC().Format(time.RFC3339),
		boolToInt(state.Online),
	)
	if err != nil {
		return fmt.Errorf("saving device state: %w", err)
	}
	return nil
}

// GetDeviceState returns the snapshot for one meter.
func (s *SQLiteStore) GetDeviceState(ctx context.Context, deviceID string) (DeviceState, error) {
	if deviceID == "" {
		return DeviceState{}, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, device_type, name, manufacturer, model, sw_version, state_json, last_update, online
		 FROM device_states WHERE device_id = ?`,
		deviceID,
	)

	state, err := scanDeviceState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceState{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return state, err
}

// LoadDeviceStates returns all persisted snapshots.
func (s *SQLiteStore) LoadDeviceStates(ctx context.Context) ([]DeviceState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, device_type, name, manufacturer, model, sw_version, state_json, last_update, online
		 FROM device_states ORDER BY device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device states: %w", err)
	}
	defer rows.Close()

	states := make([]DeviceState, 0)
	for rows.Next() {
		state, err := scanDeviceState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device states: %w", err)
	}
	return states, nil
}

// DeleteDeviceState removes the snapshot for one meter.
func (s *SQLiteStore) DeleteDeviceState(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM device_states WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("deleting device state: %w", err)
	}
	return nil
}

// Enqueue appends an MQTT message to the outbound queue.
func (s *SQLiteStore) Enqueue(ctx context.Context, topic, payload string, qos byte, retain bool) (int64, error) {
	if topic == "" {
		return 0, fmt.Errorf("%w: topic is required", ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO mqtt_queue (topic, payload, qos, retain, created_at) VALUES (?, ?, ?, ?, ?)",
		topic,
		payload,
		int(qos),
		boolToInt(retain),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueueing message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading queue id: %w", err)
	}
	return id, nil
}

// Dequeue returns up to limit queued messages, oldest first.
func (s *SQLiteStore) Dequeue(ctx context.Context, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = defaultDequeueLimit
	}
	if limit > maxDequeueLimit {
		limit = maxDequeueLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, qos, retain, created_at
		 FROM mqtt_queue ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	messages := make([]QueuedMessage, 0, limit)
	for rows.Next() {
		var (
			msg       QueuedMessage
			qos       int
			retain    int
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &qos, &retain, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		msg.QoS = byte(qos)
		msg.Retain = retain != 0
		msg.CreatedAt, err = parseStoredTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue: %w", err)
	}
	return messages, nil
}

// Ack removes a delivered message from the queue.
func (s *SQLiteStore) Ack(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM mqtt_queue WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("acknowledging message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: queue id %d", ErrNotFound, id)
	}
	return nil
}

// QueueSize returns the number of queued messages.
func (s *SQLiteStore) QueueSize(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mqtt_queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return count, nil
}

// RecordReading appends one numeric meter value to local history.
func (s *SQLiteStore) RecordReading(ctx context.Context, deviceID, attribute string, value float64, timestamp time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if attribute == "" {
		return fmt.Errorf("%w: attribute is required", ErrInvalidInput)
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, attribute, value, timestamp) VALUES (?, ?, ?, ?)",
		deviceID,
		attribute,
		value,
		timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording reading: %w", err)
	}
	return nil
}

// GetReadings returns recent history for one device attribute, newest first.
func (s *SQLiteStore) GetReadings(ctx context.Context, deviceID, attribute string, limit int) ([]Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultReadingsLimit
	}
	if limit > maxReadingsLimit {
		limit = maxReadingsLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, attribute, value, timestamp
		 FROM state_history
		 WHERE device_id = ? AND attribute = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		deviceID,
		attribute,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var (
			r  Reading
			ts string
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Attribute, &r.Value, &ts); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		r.Timestamp, err = parseStoredTimestamp(ts)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}
	return readings, nil
}

// PruneHistory deletes history entries older than the given duration.
func (s *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrInvalidInput)
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE timestamp < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// stateEnvelope is the layout of the state_json column: last known
// values plus the units needed to rebuild discovery configs.
type stateEnvelope struct {
	Attributes map[string]any    `json:"attributes"`
	Units      map[string]string `json:"units,omitempty"`
}

func scanDeviceState(row rowScanner) (DeviceState, error) {
	var (
		state      DeviceState
		attrJSON   string
		lastUpdate string
		online     int
	)
	err := row.Scan(
		&state.DeviceID,
		&state.DeviceType,
		&state.Name,
		&state.Manufacturer,
		&state.Model,
		&state.SWVersion,
		&attrJSON,
		&lastUpdate,
		&online,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeviceState{}, err
		}
		return DeviceState{}, fmt.Errorf("scanning device state: %w", err)
	}

	var envelope stateEnvelope
	if err := json.Unmarshal([]byte(attrJSON), &envelope); err != nil {
		return DeviceState{}, fmt.Errorf("unmarshalling attributes: %w", err)
	}
	state.Attributes = envelope.Attributes
	state.Units = envelope.Units
	state.LastUpdate, err = parseStoredTimestamp(lastUpdate)
	if err != nil {
		return DeviceState{}, err
	}
	state.Online = online != 0
	return state, nil
}

// parseStoredTimestamp parses a timestamp stored in SQLite.
func parseStoredTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	timestamp, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return timestamp, nil
	}

	fallback, fallbackErr := time.Parse("2006-01-02 15:04:05", value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
