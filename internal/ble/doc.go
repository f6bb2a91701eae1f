// Package ble carries Bluetooth Low Energy advertisements between an
// external radio and the Gira protocol core.
//
// The core never opens a radio. A Scanner delivers every received
// advertisement as a Frame and a Broadcaster transmits manufacturer data
// for a while without connecting. Two transports implement both:
//
//   - MQTTProxy talks to BLE proxies over MQTT. Proxies publish JSON
//     advertisements on {prefix}/{proxy}/advertisement and accept broadcast
//     requests on {prefix}/{proxy}/broadcast.
//   - SerialDongle talks to a USB dongle over a serial line protocol:
//
//     ADV <mac> <rssi> <hex>   dongle to host, one per advertisement
//     TX <hex> <ms>            host to dongle, broadcast for ms milliseconds
//     OK | ERR <message>       dongle reply to TX
package ble
