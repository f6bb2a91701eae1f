// Package device holds the catalogue of Gira System 3000 devices known to
// this bridge.
//
// A device is identified by its Bluetooth address (MAC) and has a Kind
// (shutter or thermostat), a display name, an optional session token
// captured during pairing, and the last State decoded from its
// advertisements.
//
// # Registry
//
// Registry keeps devices in memory and persists bindings (MAC, kind, name,
// token) through a BindingStore. Runtime state is never persisted; after a
// restart every reading is unavailable until the next advertisement.
//
//	reg := device.NewRegistry(device.NewSQLiteBindingStore(db.DB))
//	if err := reg.Load(ctx); err != nil {
//		return err
//	}
//
//	dev, err := reg.Bind(ctx, device.Binding{
//		MAC:          mac,
//		Name:         "Living Room",
//		SessionToken: token,
//	}, false)
//
// Update is the only way to change runtime state. It runs the callback
// under the device's own lock, so updates for different devices never
// contend and updates for one device apply in order.
//
// # Readings
//
// Every numeric field is a Reading. An unavailable Reading marshals to
// JSON null; it is never reported as zero.
//
// # History
//
// StateHistoryRepository records each published state change in SQLite so
// recent history can be queried without the time-series database.
package device
