// Package influxdb provides an optional time-series sink for meter readings.
//
// It wraps the official influxdb-client-go v2 library with gateway-specific
// patterns for connection management, reading writes, and health monitoring.
//
// # Purpose
//
// SQLite's state_history table holds a retention-bounded reading history.
// Deployments that want long-term dashboarding (Grafana over years of
// heat-meter data) enable this sink alongside it. The gateway runs fine
// with it disabled, which is the default.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // Run without the sink
//	}
//	defer client.Close()
//
//	client.WriteMeterReading("12345678", "energy", 1532.7)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
