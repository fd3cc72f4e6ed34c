// Package gateway orchestrates the M-Bus to MQTT bridge.
//
// The orchestrator runs a one-second scheduler tick that fans out to:
// periodic bus scans (new meters merged into the registry), per-device
// polls on a bounded worker pool, gateway self-metrics, and history
// cleanup. Read results flow to the sync engine for publishing and to
// the store for durable snapshots; numeric values additionally go to
// local history and the optional InfluxDB sink.
//
// A device is marked offline after the configured number of
// consecutive read failures; the offline state is published exactly
// once, at the transition. A later scan or successful read brings it
// back.
package gateway
