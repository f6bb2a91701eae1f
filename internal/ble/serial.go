package ble

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
)

const (
	defaultBaudRate       = 115200
	defaultReconnectDelay = 5 * time.Second
	defaultReplyTimeout   = 3 * time.Second

	// maxLineLength bounds one line from the dongle. Manufacturer data is
	// at most 29 bytes, so real lines are far shorter.
	maxLineLength = 1024
)

// PortOpener opens the serial device at path.
type PortOpener func(path string, baudRate int) (io.ReadWriteCloser, error)

// OpenSerialPort opens path at baudRate, 8N1.
func OpenSerialPort(path string, baudRate int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialDongle is a Transport for a USB BLE dongle speaking the ADV/TX
// line protocol. Scan keeps the port open and reopens it after a failure.
type SerialDongle struct {
	cfg  config.BLESerialConfig
	open PortOpener

	port   io.ReadWriteCloser
	portMu sync.Mutex

	// txMu allows one broadcast in flight; replies carries the dongle's
	// answer to it.
	txMu    sync.Mutex
	replies chan error

	logger Logger
	now    func() time.Time
}

// NewSerialDongle creates a dongle transport. Zero config values fall back
// to 115200 baud, a 5 s reconnect delay and a 3 s reply timeout.
func NewSerialDongle(cfg config.BLESerialConfig) *SerialDongle {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	return &SerialDongle{
		cfg:     cfg,
		open:    OpenSerialPort,
		replies: make(chan error, 1),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetOpener replaces the function used to open the port.
func (d *SerialDongle) SetOpener(open PortOpener) {
	d.open = open
}

// SetLogger sets the logger for the transport.
func (d *SerialDongle) SetLogger(logger Logger) {
	d.logger = logger
}

// Connected reports whether the port is open.
func (d *SerialDongle) Connected() bool {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	return d.port != nil
}

// Scan reads advertisements until ctx is cancelled, reopening the port
// after ReconnectDelay whenever it fails.
func (d *SerialDongle) Scan(ctx context.Context, handle Handler) error {
	for {
		err := d.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Warn("serial dongle disconnected", "port", d.cfg.Port, "error", err,
			"retry_in", d.cfg.ReconnectDelay.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.ReconnectDelay):
		}
	}
}

// session runs one open-read-close cycle.
func (d *SerialDongle) session(ctx context.Context, handle Handler) error {
	port, err := d.open(d.cfg.Port, d.cfg.BaudRate)
	if err != nil {
		return err
	}

	var closeOnce sync.Once
	closePort := func() {
		closeOnce.Do(func() { port.Close() }) //nolint:errcheck // nothing to do on close failure
	}
	stop := context.AfterFunc(ctx, closePort)
	defer stop()
	defer closePort()

	d.setPort(port)
	defer d.setPort(nil)
	d.logger.Info("serial dongle connected", "port", d.cfg.Port, "baud_rate", d.cfg.BaudRate)

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, maxLineLength), maxLineLength)
	for scanner.Scan() {
		d.handleLine(scanner.Text(), handle)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", d.cfg.Port, err)
	}
	return fmt.Errorf("reading %s: %w", d.cfg.Port, io.EOF)
}

func (d *SerialDongle) setPort(port io.ReadWriteCloser) {
	d.portMu.Lock()
	d.port = port
	d.portMu.Unlock()
}

// handleLine dispatches one line from the dongle.
func (d *SerialDongle) handleLine(line string, handle Handler) {
	line = strings.TrimSpace(line)
	verb, rest, _ := strings.Cut(line, " ")

	switch verb {
	case "ADV":
		frame, err := d.parseAdvertisement(rest)
		if err != nil {
			d.logger.Debug("ignoring advertisement line", "line", line, "error", err)
			return
		}
		handle(frame)
	case "OK":
		d.reply(nil)
	case "ERR":
		d.reply(fmt.Errorf("%w: %s", ErrBroadcastRejected, rest))
	case "":
	default:
		d.logger.Debug("ignoring dongle line", "line", line)
	}
}

// parseAdvertisement parses "<mac> <rssi> <hex>".
func (d *SerialDongle) parseAdvertisement(fields string) (Frame, error) {
	parts := strings.Fields(fields)
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: want 3 fields, got %d", ErrInvalidAdvertisement, len(parts))
	}
	mac, err := device.ParseMAC(parts[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidAdvertisement, err)
	}
	rssi, err := strconv.Atoi(parts[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: rssi: %w", ErrInvalidAdvertisement, err)
	}
	data, err := hex.DecodeString(parts[2])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: data: %w", ErrInvalidAdvertisement, err)
	}
	return NewFrame(mac, data, rssi, d.now()), nil
}

// reply hands the dongle's answer to a waiting Broadcast. Unsolicited
// replies are dropped.
func (d *SerialDongle) reply(err error) {
	select {
	case d.replies <- err:
	default:
	}
}

// Broadcast sends TX and waits for OK or ERR. The wait is bounded by the
// broadcast duration plus ReplyTimeout.
func (d *SerialDongle) Broadcast(ctx context.Context, req BroadcastRequest) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.portMu.Lock()
	port := d.port
	d.portMu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	// Discard a late reply to an earlier, abandoned broadcast.
	select {
	case <-d.replies:
	default:
	}

	line := fmt.Sprintf("TX %s %d\n", strings.ToUpper(hex.EncodeToString(req.Data)), req.Duration.Milliseconds())
	if _, err := io.WriteString(port, line); err != nil {
		return fmt.Errorf("writing to %s: %w", d.cfg.Port, errors.Join(ErrNotConnected, err))
	}

	timer := time.NewTimer(req.Duration + d.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case err := <-d.replies:
		return err
	case <-timer.C:
		return ErrReplyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
