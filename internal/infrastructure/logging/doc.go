// Package logging provides structured logging for the M-Bus gateway.
//
// It wraps Go's standard log/slog package so that every component logs
// in the same shape: JSON for production, text for development, with
// service and version fields attached to every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("scan complete", "devices", 3)
//	logger.Error("bus read failed", "error", err)
//
// Never log the MQTT password or InfluxDB token.
package logging
