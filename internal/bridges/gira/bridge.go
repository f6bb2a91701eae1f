package gira

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// minTopicParts is girable/{type}/gira/{id}.
	minTopicParts = 4

	// commandTimeout bounds one command, broadcast included.
	commandTimeout = 10 * time.Second

	defaultConfirmWindow = 5 * time.Second
	confirmAttempts      = 2
	bridgeQoS            = 1
)

// MQTTClient is the subset of the MQTT client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID string
	Version  string

	MQTTClient MQTTClient
	Registry   *device.Registry
	Dispatcher *Dispatcher
	Events     *EventBus

	// Pairing enables the pairing request actions. Optional.
	Pairing *PairingManager

	// Reconciler supplies frame counters for health messages. Optional.
	Reconciler *Reconciler

	// TransportConnected reports the BLE transport link. Optional.
	TransportName      string
	TransportConnected func() bool

	// HADiscovery announces bound devices to Home Assistant when set.
	HADiscovery *HADiscovery

	HealthInterval time.Duration
	ConfirmWindow  time.Duration

	Logger Logger
}

// Bridge connects the device core to MQTT hosts. It accepts commands and
// requests, and publishes retained state, availability and health.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id            string
	mqtt          MQTTClient
	registry      *device.Registry
	dispatcher    *Dispatcher
	events        *EventBus
	pairing       *PairingManager
	reconciler    *Reconciler
	health        *HealthReporter
	ha            *HADiscovery
	confirmWindow time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = defaultConfirmWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:            opts.BridgeID,
		mqtt:          opts.MQTTClient,
		registry:      opts.Registry,
		dispatcher:    opts.Dispatcher,
		events:        opts.Events,
		pairing:       opts.Pairing,
		reconciler:    opts.Reconciler,
		ha:            opts.HADiscovery,
		confirmWindow: opts.ConfirmWindow,
		done:          make(chan struct{}),
		ctx:           ctx,
		ctxCancel:     ctxCancel,
		logger:        logger,
	}

	transportName, transportUp := opts.TransportName, opts.TransportConnected
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Snapshot: func() HealthSnapshot {
			s := b.snapshot()
			if transportUp != nil {
				s.Transport = &TransportStatus{Name: transportName, Connected: transportUp()}
			}
			return s
		},
	})
	b.health.SetLogger(logger)

	return b, nil
}

// Start subscribes to command and request topics, publishes the current
// state of every device and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	t := mqtt.Topics{}
	for _, topic := range []string{
		t.AllBridgeCommands(Protocol),
		t.AllBridgeCommandActions(Protocol),
		t.AllBridgeRequests(Protocol),
	} {
		if err := b.mqtt.Subscribe(topic, bridgeQoS, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	for _, d := range b.registry.List() {
		b.AnnounceDevice(d)
	}

	events, unsubscribe := b.events.Subscribe(0)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-b.done:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.publishEvent(ev)
			}
		}
	}()

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started", "bridge_id", b.id, "devices", b.registry.Count())
	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		t := mqtt.Topics{}
		for _, topic := range []string{
			t.AllBridgeCommands(Protocol),
			t.AllBridgeCommandActions(Protocol),
			t.AllBridgeRequests(Protocol),
		} {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logDebug("unsubscribe failed", "topic", topic, "error", err)
			}
		}

		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// AnnounceDevice publishes the retained state, availability and, when
// enabled, the Home Assistant config of d.
func (b *Bridge) AnnounceDevice(d device.Device) {
	if b.ha != nil {
		payload, err := b.ha.Payload(d)
		if err != nil {
			b.logError("failed to render discovery config", err)
		} else if err := b.mqtt.Publish(b.ha.Topic(d), payload, bridgeQoS, true); err != nil {
			b.logError("failed to publish discovery config", err)
		}
	}
	b.publishJSON(mqtt.Topics{}.BridgeState(Protocol, d.MAC.TopicID()), NewDeviceStateMessage(d), true)
	b.publishAvailability(d.MAC, d.Available)
}

// RetractDevice clears every retained message of a removed device.
func (b *Bridge) RetractDevice(d device.Device) {
	t := mqtt.Topics{}
	id := d.MAC.TopicID()
	topics := []string{t.BridgeState(Protocol, id), t.BridgeAvailability(Protocol, id)}
	if b.ha != nil {
		topics = append(topics, b.ha.Topic(d))
	}
	for _, topic := range topics {
		if err := b.mqtt.Publish(topic, nil, bridgeQoS, true); err != nil {
			b.logError("failed to clear retained message", err)
		}
	}
}

func (b *Bridge) publishEvent(ev StateChangeEvent) {
	b.publishJSON(mqtt.Topics{}.BridgeState(Protocol, ev.MAC.TopicID()), NewStateMessage(ev), true)
	if ev.Reason != ReasonDecodeError {
		b.publishAvailability(ev.MAC, ev.Available)
	}
}

func (b *Bridge) publishAvailability(mac device.MAC, available bool) {
	payload := PayloadOffline
	if available {
		payload = PayloadOnline
	}
	topic := mqtt.Topics{}.BridgeAvailability(Protocol, mac.TopicID())
	if err := b.mqtt.Publish(topic, []byte(payload), bridgeQoS, true); err != nil {
		b.logError("failed to publish availability", err)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, bridgeQoS, retained); err != nil {
		b.logError("failed to publish message", fmt.Errorf("%s: %w", topic, err))
	}
}

// handleMQTTMessage routes incoming messages by topic:
//
//	girable/command/gira/{id}            JSON CommandMessage
//	girable/command/gira/{id}/{action}   raw payload
//	girable/request/gira/{request_id}    JSON RequestMessage
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts || parts[2] != Protocol {
		return fmt.Errorf("invalid topic format: %s", topic)
	}

	switch parts[1] {
	case "command":
		mac, err := device.ParseMAC(parts[3])
		if err != nil {
			return fmt.Errorf("command topic %s: %w", topic, err)
		}
		if len(parts) == minTopicParts {
			return b.handleCommand(mac, payload)
		}
		return b.handleRawCommand(mac, parts[4], payload)
	case "request":
		return b.handleRequest(parts[3], payload)
	default:
		return fmt.Errorf("unknown message type: %s", parts[1])
	}
}

// handleCommand processes a JSON command message.
func (b *Bridge) handleCommand(mac device.MAC, payload []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	b.logInfo("received command", "command_id", msg.ID, "mac", mac.String(), "command", msg.Command)

	cmd, err := msg.ToCommand()
	if err != nil {
		b.publishAckError(msg.ID, mac, commandError(mac, err))
		return nil
	}
	b.execute(msg.ID, mac, cmd, msg.Confirm)
	return nil
}

// handleRawCommand processes the plain-payload subtopics used by Home
// Assistant entities.
func (b *Bridge) handleRawCommand(mac device.MAC, action string, payload []byte) error {
	value := strings.TrimSpace(string(payload))
	id := uuid.NewString()

	var cmd Command
	switch action {
	case ActionCover:
		switch strings.ToUpper(value) {
		case PayloadOpen:
			cmd = MoveUp()
		case PayloadClose:
			cmd = MoveDown()
		case PayloadStop:
			cmd = Stop()
		default:
			b.publishAckError(id, mac, commandError(mac, fmt.Errorf("%w: cover payload %q", ErrInvalidValue, value)))
			return nil
		}
	case ActionPosition:
		pos, err := strconv.Atoi(value)
		if err != nil {
			b.publishAckError(id, mac, commandError(mac, fmt.Errorf("%w: position %q", ErrInvalidValue, value)))
			return nil
		}
		cmd = SetPosition(pos)
	case ActionTarget:
		target, err := strconv.ParseFloat(value, 64)
		if err != nil {
			b.publishAckError(id, mac, commandError(mac, fmt.Errorf("%w: target %q", ErrInvalidValue, value)))
			return nil
		}
		cmd = SetTarget(target)
	default:
		return fmt.Errorf("unknown command action: %s", action)
	}

	b.logInfo("received raw command", "command_id", id, "mac", mac.String(), "action", action, "payload", value)
	b.execute(id, mac, cmd, false)
	return nil
}

// execute dispatches cmd off the MQTT delivery goroutine, since a
// broadcast lasts as long as the advertising window.
func (b *Bridge) execute(commandID string, mac device.MAC, cmd Command, confirm bool) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout+b.confirmWindow*confirmAttempts)
		defer cancel()

		var (
			ack Ack
			err error
		)
		if confirm {
			ack, err = b.dispatcher.IssueConfirmed(ctx, b.events, mac, cmd, b.confirmWindow,
				FixedRetry{Attempts: confirmAttempts})
		} else {
			ack, err = b.dispatcher.Issue(ctx, mac, cmd)
		}
		if err != nil {
			b.publishAckError(commandID, mac, err)
			return
		}
		b.publishJSON(mqtt.Topics{}.BridgeAck(Protocol, mac.TopicID()), NewAckMessage(commandID, ack), false)
	}()
}

func (b *Bridge) publishAckError(commandID string, mac device.MAC, err error) {
	b.publishJSON(mqtt.Topics{}.BridgeAck(Protocol, mac.TopicID()), NewAckError(commandID, mac, err), false)
	b.logError("command failed", err)
}

// handleRequest processes a request message and publishes the response.
func (b *Bridge) handleRequest(topicID string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = topicID
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case ActionListDevices:
		resp = b.handleListDevices(req)
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionStartPairing:
		resp = b.handleStartPairing(req)
	case ActionPairingStatus, ActionSelectCandidate, ActionConfirmPair, ActionCancelPairing:
		resp = b.handlePairingSession(req)
	default:
		resp = newErrorResponse(req.RequestID, CodeUnknownAction, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(mqtt.Topics{}.BridgeResponse(Protocol, req.RequestID), resp, false)
	return nil
}

func (b *Bridge) handleListDevices(req RequestMessage) ResponseMessage {
	devices := b.registry.List()
	states := make([]StateMessage, 0, len(devices))
	for _, d := range devices {
		states = append(states, NewDeviceStateMessage(d))
	}
	return newResponse(req.RequestID, map[string]any{"devices": states, "count": len(states)})
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	mac, err := device.ParseMAC(req.DeviceID)
	if err != nil {
		return newErrorResponse(req.RequestID, CodeInvalidRequest, err.Error())
	}
	d, err := b.registry.Get(mac)
	if err != nil {
		return newErrorResponse(req.RequestID, CodeUnknownDevice, err.Error())
	}
	return newResponse(req.RequestID, map[string]any{"device": NewDeviceStateMessage(d)})
}

func (b *Bridge) handleStartPairing(req RequestMessage) ResponseMessage {
	if b.pairing == nil {
		return newErrorResponse(req.RequestID, CodeUnknownAction, "pairing is not enabled")
	}

	var pr PairingRequest
	if req.DeviceID != "" {
		mac, err := device.ParseMAC(req.DeviceID)
		if err != nil {
			return newErrorResponse(req.RequestID, CodeInvalidRequest, err.Error())
		}
		pr.MAC = mac
	}
	pr.Name = stringParam(req.Parameters, "name")
	pr.Kind = device.Kind(stringParam(req.Parameters, "kind"))
	pr.Overwrite, _ = req.Parameters["overwrite"].(bool)

	s, err := b.pairing.Start(pr)
	if err != nil {
		return newErrorResponse(req.RequestID, CodeInvalidRequest, err.Error())
	}
	return newResponse(req.RequestID, map[string]any{"session": s.Snapshot()})
}

func (b *Bridge) handlePairingSession(req RequestMessage) ResponseMessage {
	if b.pairing == nil {
		return newErrorResponse(req.RequestID, CodeUnknownAction, "pairing is not enabled")
	}
	s, err := b.pairing.Get(stringParam(req.Parameters, "session_id"))
	if err != nil {
		return newErrorResponse(req.RequestID, CodeSessionNotFound, err.Error())
	}

	switch req.Action {
	case ActionSelectCandidate:
		mac, err := device.ParseMAC(req.DeviceID)
		if err != nil {
			return newErrorResponse(req.RequestID, CodeInvalidRequest, err.Error())
		}
		if err := s.SelectCandidate(mac); err != nil {
			return newErrorResponse(req.RequestID, CodePairingFailed, err.Error())
		}
	case ActionConfirmPair:
		if _, err := s.Confirm(); err != nil {
			return newErrorResponse(req.RequestID, CodePairingFailed, err.Error())
		}
	case ActionCancelPairing:
		if err := s.Cancel(); err != nil {
			return newErrorResponse(req.RequestID, CodePairingFailed, err.Error())
		}
	}
	return newResponse(req.RequestID, map[string]any{"session": s.Snapshot()})
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func (b *Bridge) snapshot() HealthSnapshot {
	devices := b.registry.List()
	s := HealthSnapshot{DevicesManaged: len(devices)}
	for _, d := range devices {
		if d.Available {
			s.DevicesAvailable++
		}
	}
	if b.reconciler != nil {
		rs := b.reconciler.Stats()
		s.Statistics = &BridgeStatistics{
			FramesReceived: rs.FramesReceived,
			FramesIgnored:  rs.FramesIgnored,
			DecodeErrors:   rs.DecodeErrors,
			EventsEmitted:  rs.EventsEmitted,
			EventsDropped:  b.events.Dropped(),
		}
	}
	return s
}

// Resync republishes every device and the health status, for use after
// the broker connection is re-established.
func (b *Bridge) Resync() {
	for _, d := range b.registry.List() {
		b.AnnounceDevice(d)
	}
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	logger.Info(msg, keysAndValues...)
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	logger.Debug(msg, keysAndValues...)
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	logger.Error(msg, "error", err)
}
