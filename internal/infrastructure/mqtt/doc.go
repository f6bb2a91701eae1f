// Package mqtt wraps the Eclipse Paho client for the Gira BLE core.
//
// MQTT carries three kinds of traffic here:
//   - BLE proxy advertisements in, broadcast requests out
//   - the host bridge surface (commands, acks, state, availability, health)
//   - Home Assistant discovery documents
//
// The client tracks subscriptions and restores them after a reconnect,
// recovers panics in handlers, and publishes a retained online/offline
// status with a matching last-will on girable/system/status.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeCommands("gira"), 1, handler)
package mqtt
