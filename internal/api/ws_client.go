package api

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/device"
)

// WSClient is one WebSocket connection and its subscriptions.
type WSClient struct {
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[device.MAC]struct{} // empty follows every device
}

func newWSClient(h *Hub, conn *websocket.Conn, p auth.Principal) *WSClient {
	return &WSClient{
		hub:       h,
		conn:      conn,
		principal: p,
		send:      make(chan []byte, wsSendBufferSize),
		done:      make(chan struct{}),
		channels:  make(map[string]struct{}),
		devices:   make(map[device.MAC]struct{}),
	}
}

// close stops the writer. The send channel is never closed so late
// broadcasts cannot panic.
func (c *WSClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues data for the writer. Slow clients drop events.
func (c *WSClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Debug("websocket client buffer full, event dropped", "subject", c.principal.Subject)
		return false
	}
}

// follows reports whether events for mac on channel go to this client.
func (c *WSClient) follows(channel string, mac device.MAC) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[mac]
	return ok
}

func (c *WSClient) deadlines() (ping, idle time.Duration) {
	ping = time.Duration(c.hub.cfg.PingInterval) * time.Second
	pong := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	return ping, ping + pong
}

// readLoop handles client frames until the connection fails.
func (c *WSClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	_, idle := c.deadlines()
	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.principal.Subject, "error", err)
			}
			return
		}
		// Application traffic counts as liveness too.
		c.conn.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck // read error surfaces above
		c.dispatch(data)
	}
}

// writeLoop drains the send queue and keeps the connection pinged.
func (c *WSClient) writeLoop() {
	ping, _ := c.deadlines()
	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error surfaces below
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "")) //nolint:errcheck // connection is closing
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg)
	case WSTypeUnsubscribe:
		c.unsubscribe(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

// parseSubscription validates a subscribe or unsubscribe payload.
func parseSubscription(raw any) ([]string, []device.MAC, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid payload")
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(encoded, &sub); err != nil {
		return nil, nil, fmt.Errorf("invalid subscription payload")
	}
	for _, ch := range sub.Channels {
		if _, ok := knownChannels[ch]; !ok {
			return nil, nil, fmt.Errorf("unknown channel: %s", ch)
		}
	}
	macs := make([]device.MAC, 0, len(sub.Devices))
	for _, s := range sub.Devices {
		mac, err := device.ParseMAC(s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid device: %s", s)
		}
		macs = append(macs, mac)
	}
	return sub.Channels, macs, nil
}

func (c *WSClient) subscribe(msg WSMessage) {
	channels, macs, err := parseSubscription(msg.Payload)
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorPayload(err.Error()))
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	for _, mac := range macs {
		c.devices[mac] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "subject", c.principal.Subject, "channels", channels, "devices", len(macs))
	c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": channels, "devices": macs})
}

func (c *WSClient) unsubscribe(msg WSMessage) {
	channels, macs, err := parseSubscription(msg.Payload)
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorPayload(err.Error()))
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	for _, mac := range macs {
		delete(c.devices, mac)
	}
	c.mu.Unlock()

	c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": channels, "devices": macs})
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
