// Package gira implements the Gira System 3000 BLE protocol core.
//
// Gira actuators have no connection-oriented interface. They report state
// in BLE advertisements and accept commands as manufacturer data broadcast
// by the host. This package decodes the former, encodes the latter and
// keeps the device registry consistent with what was last heard.
//
// # Architecture
//
//	            ble.Scanner                       ble.Broadcaster
//	                 │                                  ▲
//	     ┌───────────┴───────────┐                      │
//	     ▼                       ▼                      │
//	PairingManager          Reconciler             Dispatcher
//	 (pairing frames)     (status frames)        (Issue, IssueConfirmed)
//	     │                       │                      ▲
//	     ▼                       ▼                      │
//	device.Registry ◄──── EventBus ──────► Bridge (MQTT) ┘
//	                        │    │
//	             LivenessMonitor  Recorder (SQLite history, InfluxDB)
//
// # Frames
//
// Every frame starts with the two-byte company identifier (little-endian),
// a frame type and a kind code:
//
//	[0:2] company id   [2] 0x01 status | 0x02 pairing   [3] 0x01 shutter | 0x02 thermostat
//
// Shutter status carries position (0 = open, 100 = closed) and motion;
// thermostat status carries current and target temperature in 0.5 °C
// units. 0xFF marks a field the device cannot report. Pairing frames carry
// the four-byte session token that authorises later commands.
//
// Commands are 14 bytes:
//
//	company id | token | F6 03 20 01 | property | 10 01 | value
//
// # Availability
//
// Lost advertisements are normal. A device is unavailable until its first
// decoded status frame and again once nothing has decoded for the
// staleness timeout. Neither case is an error.
//
// # Example
//
//	codec := gira.NewCodec(0)
//	bus := gira.NewEventBus()
//	rec := gira.NewReconciler(registry, codec, bus, 0)
//	go transport.Scan(ctx, rec.HandleFrame)
//
//	d := gira.NewDispatcher(registry, codec, transport, 0)
//	ack, err := d.Issue(ctx, mac, gira.MoveUp())
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package gira
