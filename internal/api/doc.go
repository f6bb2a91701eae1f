// Package api implements the HTTP REST API and WebSocket stream for the
// Gira BLE bridge.
//
// This package provides:
//   - REST endpoints for device bindings, state, history and commands
//   - Pairing session control
//   - A WebSocket hub relaying StateChangeEvents to subscribed clients
//   - Bearer token and API key authentication with role permissions
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits beside the MQTT bridge as a second host surface. Both
// drive the same device registry and command dispatcher, so a command sent
// over HTTP is acknowledged the same way as one sent over MQTT, and state
// changes reach WebSocket clients straight from the event bus.
//
// # Graceful Degradation
//
// Pairing, history and runtime status are optional. When a dependency is
// not configured its endpoints answer 503 and everything else keeps
// working.
package api
