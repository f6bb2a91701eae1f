// Package influxdb records Gira device telemetry in InfluxDB v2.
//
// Decoded positions and temperatures, availability transitions and
// advertisement RSSI are written as points tagged by MAC and device kind.
// Writes are batched and non-blocking; the integration is optional and
// Connect returns ErrDisabled when it is switched off.
package influxdb
