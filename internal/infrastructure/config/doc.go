// Package config loads and validates the gateway's YAML configuration.
//
// Configuration is resolved in three layers: hardcoded defaults, the YAML
// file, and MBUSGW_* environment variable overrides (useful for secrets
// such as the MQTT password and the InfluxDB token).
package config
