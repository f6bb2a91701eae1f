package ble

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/mqtt"
)

const (
	// proxyQoS is used for both advertisements and broadcast requests.
	proxyQoS = 1

	// maxRoutes caps the MAC to proxy table; the stalest route goes first.
	maxRoutes = 1024
)

// MQTTClient is the subset of the MQTT client used by MQTTProxy.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// AdvertisementMessage is published by a proxy for every advertisement
// carrying manufacturer data.
// Topic: {prefix}/{proxy}/advertisement
type AdvertisementMessage struct {
	MAC              string    `json:"mac"`
	ManufacturerData string    `json:"manufacturer_data"` // hex, company id first
	RSSI             int       `json:"rssi"`
	Timestamp        time.Time `json:"timestamp,omitzero"`
}

// BroadcastMessage asks a proxy to advertise manufacturer data.
// Topic: {prefix}/{proxy}/broadcast
type BroadcastMessage struct {
	MAC              string `json:"mac"`
	ManufacturerData string `json:"manufacturer_data"`
	DurationMS       int64  `json:"duration_ms"`
}

// MQTTProxy is a Transport backed by BLE proxies on the MQTT broker.
//
// Broadcasts go to the configured proxy or, if none is pinned, to the
// proxy that most recently heard the target MAC. Only advertisements passing
// the route filter are remembered, and at most maxRoutes of them.
type MQTTProxy struct {
	client MQTTClient
	prefix string
	pinned string

	mu     sync.RWMutex
	routes map[device.MAC]route
	accept func(data []byte) bool

	logger Logger
	now    func() time.Time
}

// NewMQTTProxy creates a proxy transport on an MQTT client.
func NewMQTTProxy(client MQTTClient, cfg config.BLEProxyConfig) *MQTTProxy {
	return &MQTTProxy{
		client:    client,
		prefix:    strings.TrimSuffix(cfg.TopicPrefix, "/"),
		pinned:    cfg.ProxyID,
		routes:    make(map[device.MAC]route),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

type route struct {
	proxy string
	heard time.Time
}

// SetRouteFilter limits which advertisements teach the proxy a route,
// typically to frames carrying the Gira company id. A nil filter accepts
// every advertisement.
func (p *MQTTProxy) SetRouteFilter(accept func(data []byte) bool) {
	p.mu.Lock()
	p.accept = accept
	p.mu.Unlock()
}

// SetLogger sets the logger for the transport.
func (p *MQTTProxy) SetLogger(logger Logger) {
	p.logger = logger
}

// Scan subscribes to advertisements from every proxy and blocks until ctx
// is cancelled.
func (p *MQTTProxy) Scan(ctx context.Context, handle Handler) error {
	topic := mqtt.Topics{}.BLEAdvertisements(p.prefix)

	err := p.client.Subscribe(topic, proxyQoS, func(topic string, payload []byte) error {
		frame, err := p.parseAdvertisement(topic, payload)
		if err != nil {
			return err
		}
		handle(frame)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	p.logger.Info("listening for BLE proxy advertisements", "topic", topic)

	<-ctx.Done()

	if err := p.client.Unsubscribe(topic); err != nil {
		p.logger.Warn("unsubscribing from advertisements", "topic", topic, "error", err)
	}
	return nil
}

// parseAdvertisement turns a proxy message into a frame and remembers
// which proxy heard the MAC.
func (p *MQTTProxy) parseAdvertisement(topic string, payload []byte) (Frame, error) {
	proxyID, ok := p.proxyFromTopic(topic)
	if !ok {
		return Frame{}, fmt.Errorf("%w: unexpected topic %s", ErrInvalidAdvertisement, topic)
	}

	var msg AdvertisementMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidAdvertisement, err)
	}
	mac, err := device.ParseMAC(msg.MAC)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidAdvertisement, err)
	}
	data, err := hex.DecodeString(msg.ManufacturerData)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: manufacturer_data: %w", ErrInvalidAdvertisement, err)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = p.now()
	}

	p.remember(mac, proxyID, data)
	return NewFrame(mac, data, msg.RSSI, at), nil
}

// remember records proxyID as the route to mac if the filter accepts data.
func (p *MQTTProxy) remember(mac device.MAC, proxyID string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accept != nil && !p.accept(data) {
		return
	}
	if _, known := p.routes[mac]; !known && len(p.routes) >= maxRoutes {
		var oldest device.MAC
		var oldestAt time.Time
		for m, r := range p.routes {
			if oldestAt.IsZero() || r.heard.Before(oldestAt) {
				oldest, oldestAt = m, r.heard
			}
		}
		delete(p.routes, oldest)
	}
	p.routes[mac] = route{proxy: proxyID, heard: p.now()}
}

// RouteCount returns the number of remembered MAC routes.
func (p *MQTTProxy) RouteCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.routes)
}

// proxyFromTopic extracts {proxy} from {prefix}/{proxy}/advertisement.
func (p *MQTTProxy) proxyFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.prefix+"/")
	if !ok {
		return "", false
	}
	proxyID, ok := strings.CutSuffix(rest, "/advertisement")
	if !ok || proxyID == "" || strings.Contains(proxyID, "/") {
		return "", false
	}
	return proxyID, true
}

// Broadcast publishes a broadcast request to the proxy responsible for
// req.MAC.
func (p *MQTTProxy) Broadcast(_ context.Context, req BroadcastRequest) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	proxyID := p.pinned
	if proxyID == "" {
		p.mu.RLock()
		proxyID = p.routes[req.MAC].proxy
		p.mu.RUnlock()
	}
	if proxyID == "" {
		return fmt.Errorf("%w: %s not heard by any proxy", ErrNoProxy, req.MAC)
	}

	payload, err := json.Marshal(BroadcastMessage{
		MAC:              req.MAC.String(),
		ManufacturerData: strings.ToUpper(hex.EncodeToString(req.Data)),
		DurationMS:       req.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshalling broadcast: %w", err)
	}

	topic := mqtt.Topics{}.BLEBroadcast(p.prefix, proxyID)
	if err := p.client.Publish(topic, payload, proxyQoS, false); err != nil {
		return fmt.Errorf("publishing broadcast to %s: %w", proxyID, err)
	}
	p.logger.Debug("broadcast requested", "proxy", proxyID, "mac", req.MAC.String(), "bytes", len(req.Data))
	return nil
}

// ProxyFor returns the proxy that last heard mac.
func (p *MQTTProxy) ProxyFor(mac device.MAC) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routes[mac]
	return r.proxy, ok
}
