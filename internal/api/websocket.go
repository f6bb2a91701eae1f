package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels a client can subscribe to.
const (
	// ChannelStateChanged carries every StateChangeEvent as a StateMessage.
	ChannelStateChanged = "device.state_changed"

	// ChannelUnavailable carries events that made a device unavailable.
	ChannelUnavailable = "device.unavailable"
)

const (
	wsSendBufferSize = 256
	wsRelayBuffer    = 256
)

var knownChannels = map[string]struct{}{
	ChannelStateChanged: {},
	ChannelUnavailable:  {},
}

// WSMessage is the envelope of every frame exchanged with a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the devices whose
// events are wanted. An empty Devices list follows every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware already filtered the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Hub tracks connected clients and fans device events out to them.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// add registers c. It reports false once the hub has shut down.
func (h *Hub) add(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove unregisters c and stops its writer. Safe to call more than once.
func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload as an event on channel to every client following
// mac on that channel, and returns the number of recipients.
func (h *Hub) Broadcast(channel string, mac device.MAC, payload any) int {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshalling websocket event", "channel", channel, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.follows(channel, mac) && c.enqueue(data) {
			sent++
		}
	}
	return sent
}

// relayEvents forwards bus events to the hub until ctx ends.
func (s *Server) relayEvents(ctx context.Context) {
	events, unsubscribe := s.events.Subscribe(wsRelayBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := gira.NewStateMessage(ev)
			n := s.hub.Broadcast(ChannelStateChanged, ev.MAC, msg)
			if !ev.Available {
				n += s.hub.Broadcast(ChannelUnavailable, ev.MAC, msg)
			}
			if n > 0 {
				s.logger.Debug("relayed device event", "mac", ev.MAC.String(), "reason", ev.Reason, "recipients", n)
			}
		}
	}
}

// handleWebSocket upgrades an authenticated request to a WebSocket stream.
// Browsers pass their token as the token query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn, p)
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "subject", p.Subject, "clients", s.hub.ClientCount())

	go c.writeLoop()
	go c.readLoop()
}
