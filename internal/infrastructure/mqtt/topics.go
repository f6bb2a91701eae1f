package mqtt

import "fmt"

// TopicPrefix roots every topic this service publishes or consumes, except
// Home Assistant discovery and BLE proxy topics, whose prefixes are
// configurable.
//
// Bridge topics use the flat scheme girable/{category}/{protocol}/{id}.
const TopicPrefix = "girable"

// Topics builds topic strings so that publishers and subscribers agree.
//
//	t := mqtt.Topics{}
//	t.BridgeState("gira", "aabbcc112233") // girable/state/gira/aabbcc112233
type Topics struct{}

// SystemStatus is the retained online/offline status of this process.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// BridgeState is the retained device state topic.
func (Topics) BridgeState(protocol, id string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, id)
}

// BridgeAvailability is the retained "online"/"offline" topic of one device.
func (Topics) BridgeAvailability(protocol, id string) string {
	return fmt.Sprintf("%s/availability/%s/%s", TopicPrefix, protocol, id)
}

// BridgeCommand is the JSON command topic of one device.
func (Topics) BridgeCommand(protocol, id string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, id)
}

// BridgeCommandAction is a raw command subtopic, for example
// girable/command/gira/aabbcc112233/cover carrying OPEN, CLOSE or STOP.
func (Topics) BridgeCommandAction(protocol, id, action string) string {
	return fmt.Sprintf("%s/command/%s/%s/%s", TopicPrefix, protocol, id, action)
}

// BridgeAck carries acknowledgements for commands sent to one device.
func (Topics) BridgeAck(protocol, id string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, id)
}

// BridgeRequest carries a request identified by requestID.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeResponse answers the request with the same requestID.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeHealth is the retained health topic of a bridge.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// AllBridgeCommands matches JSON commands for every device of a bridge.
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, protocol)
}

// AllBridgeCommandActions matches raw command subtopics for every device.
func (Topics) AllBridgeCommandActions(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+/+", TopicPrefix, protocol)
}

// AllBridgeRequests matches every request to a bridge.
func (Topics) AllBridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, protocol)
}

// BLEAdvertisements matches advertisements published by every proxy under
// prefix.
func (Topics) BLEAdvertisements(prefix string) string {
	return prefix + "/+/advertisement"
}

// BLEBroadcast is the topic on which proxyID accepts broadcast requests.
func (Topics) BLEBroadcast(prefix, proxyID string) string {
	return fmt.Sprintf("%s/%s/broadcast", prefix, proxyID)
}

// HADiscovery is the Home Assistant MQTT discovery config topic,
// {prefix}/{component}/{objectID}/config.
func (Topics) HADiscovery(prefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID)
}
