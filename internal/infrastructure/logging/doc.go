// Package logging provides structured logging for the Gira BLE core.
//
// It wraps log/slog so that every record carries the service name and
// build version, with JSON output for production and text output for
// development.
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
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("ble").Info("frame received", "mac", mac)
//
// Session tokens and API keys must never be logged.
package logging
