package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteMeterReading writes a single meter attribute reading.
//
// This is the primary method for recording telemetry from read cycles.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Meter identifier (secondary address or primary address label)
//   - attribute: The reading name (e.g., "energy", "volume", "flow_temperature")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteMeterReading("12345678", "energy", 1532.7)
func (c *Client) WriteMeterReading(deviceID string, attribute string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"meter_readings",
		map[string]string{
			"device_id": deviceID,
			"attribute": attribute,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteGatewayMetric writes a gateway self-metric (uptime, queue depth).
//
// Parameters:
//   - gatewayID: The gateway's stable identifier
//   - metric: Metric name (e.g., "uptime_seconds", "queue_size")
//   - value: The metric value
func (c *Client) WriteGatewayMetric(gatewayID string, metric string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"gateway_metrics",
		map[string]string{
			"gateway_id": gatewayID,
			"metric":     metric,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., replaying stored history).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
