package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// DNS-SD constants for the API service.
const (
	ServiceType = "_girable._tcp"
	Domain      = "local."

	// APIPath is advertised in the path TXT record.
	APIPath = "/api/v1"

	// maxInstanceNameLen is the DNS label limit.
	maxInstanceNameLen = 63
)

// ErrNotAnnounced is returned by Update when nothing is being announced.
var ErrNotAnnounced = errors.New("discovery: service not announced")

// Logger is the logging interface used by the announcer.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Info describes the announced API.
type Info struct {
	Instance     string
	Port         int
	Version      string
	SiteID       string
	Transport    string
	AuthRequired bool
}

// TXT returns the TXT records for info, sorted by key.
func (i Info) TXT() []string {
	records := map[string]string{
		"path": APIPath,
		"auth": strconv.FormatBool(i.AuthRequired),
	}
	if i.Version != "" {
		records["version"] = i.Version
	}
	if i.SiteID != "" {
		records["site"] = i.SiteID
	}
	if i.Transport != "" {
		records["transport"] = i.Transport
	}

	out := make([]string, 0, len(records))
	for k, v := range records {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// InstanceName returns the DNS-SD instance label, truncated to 63 bytes.
func (i Info) InstanceName() string {
	name := i.Instance
	if name == "" {
		name = "Gira BLE Core"
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

// registerFunc matches zeroconf.Register.
type registerFunc func(instance, service, domain string, port int, text []string,
	ifaces []net.Interface, opts ...zeroconf.ServerOption) (*zeroconf.Server, error)

// Announcer publishes the API service record.
type Announcer struct {
	iface    string
	logger   Logger
	register registerFunc

	mu     sync.Mutex
	server *zeroconf.Server
	info   Info
}

// NewAnnouncer creates an announcer bound to the named interface, or to
// every interface when iface is empty.
func NewAnnouncer(iface string) *Announcer {
	return &Announcer{
		iface:    iface,
		logger:   noopLogger{},
		register: zeroconf.Register,
	}
}

// SetLogger sets the logger.
func (a *Announcer) SetLogger(logger Logger) {
	a.logger = logger
}

func (a *Announcer) interfaces() ([]net.Interface, error) {
	if a.iface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(a.iface)
	if err != nil {
		return nil, fmt.Errorf("discovery: interface %q: %w", a.iface, err)
	}
	return []net.Interface{*iface}, nil
}

// Announce starts advertising info, replacing any previous announcement.
func (a *Announcer) Announce(info Info) error {
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", info.Port)
	}
	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := a.register(info.InstanceName(), ServiceType, Domain, info.Port, info.TXT(), ifaces)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", ServiceType, err)
	}
	a.server = server
	a.info = info

	a.logger.Info("mdns service announced", "instance", info.InstanceName(), "service", ServiceType, "port", info.Port)
	return nil
}

// Update replaces the TXT records of the running announcement.
func (a *Announcer) Update(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotAnnounced
	}
	a.info.Version = info.Version
	a.info.SiteID = info.SiteID
	a.info.Transport = info.Transport
	a.info.AuthRequired = info.AuthRequired
	a.server.SetText(a.info.TXT())
	return nil
}

// Announced reports whether a service record is being published.
func (a *Announcer) Announced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Close withdraws the announcement. It is safe to call more than once.
func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mdns service withdrawn", "instance", a.info.InstanceName())
}
