// Gira BLE Core - Gira System 3000 Bluetooth LE protocol service
//
// This is the main entry point for the Gira BLE core. It listens for Gira
// advertisements through a BLE transport (MQTT proxies or a USB dongle),
// keeps the state of paired shutters and thermostats, and exposes them to
// home automation hosts over MQTT, HTTP and WebSocket.
//
// Subcommands:
//
//	girable                      run the service
//	girable hash-api-key [key]   print an Argon2id hash for security.api_keys
//	girable issue-token          print a signed access token
//	girable version              print build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gira-ble-core/migrations"

	"github.com/nerrad567/gira-ble-core/internal/api"
	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/ble"
	"github.com/nerrad567/gira-ble-core/internal/bridges/gira"
	"github.com/nerrad567/gira-ble-core/internal/device"
	"github.com/nerrad567/gira-ble-core/internal/discovery"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/database"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/logging"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnv         = "GIRABLE_CONFIG"

	// historyRetention is how long local state history is kept.
	historyRetention = 30 * 24 * time.Hour

	// confirmWindow is how long the API and bridge wait for a device to
	// report the effect of a confirmed command.
	confirmWindow = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch selects the subcommand named by args[0]; no arguments runs the
// service.
func dispatch(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return run(ctx)
	}
	switch args[0] {
	case "serve":
		return run(ctx)
	case "hash-api-key":
		return hashAPIKey(args[1:], stdout)
	case "issue-token":
		return issueToken(args[1:], stdout)
	case "version":
		fmt.Fprintf(stdout, "girable %s (commit %s, built %s)\n", version, commit, date)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// run is the service itself, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gira BLE core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "transport", cfg.BLE.Transport)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	registry := device.NewRegistry(device.NewSQLiteBindingStore(db.DB))
	registry.SetLogger(log)
	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device bindings: %w", loadErr)
	}
	log.Info("device registry loaded", "devices", registry.Count())
	history := device.NewSQLiteStateHistoryRepository(db.DB)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	var telemetry gira.TelemetryWriter
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	codec := gira.NewCodec(cfg.BLE.ManufacturerID)
	transport, transportUp, err := newTransport(cfg.BLE, mqttClient, codec.IsGira, log)
	if err != nil {
		return err
	}

	events := gira.NewEventBus()

	reconciler := gira.NewReconciler(registry, codec, events, cfg.Gira.TemperatureResolution)
	reconciler.SetLogger(log)

	dispatcher := gira.NewDispatcher(registry, codec, transport, cfg.Gira.BroadcastDuration)
	dispatcher.SetLogger(log)

	pairing := gira.NewPairingManager(registry, codec, cfg.Gira.PairingTimeout)
	pairing.SetLogger(log)
	defer pairing.Close()

	liveness := gira.NewLivenessMonitor(registry, events, cfg.Gira.StalenessTimeout, cfg.Gira.LivenessInterval)
	liveness.SetLogger(log)
	liveness.Start(ctx)
	defer liveness.Stop()

	recorder := gira.NewRecorder(history, telemetry, historyRetention)
	recorder.SetLogger(log)
	recorder.Start(ctx, events)
	defer recorder.Stop()

	bridge, err := startBridge(ctx, cfg, bridgeDeps{
		mqtt:        mqttClient,
		registry:    registry,
		dispatcher:  dispatcher,
		events:      events,
		pairing:     pairing,
		reconciler:  reconciler,
		transportUp: transportUp,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping Gira bridge")
		bridge.Stop()
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing device state")
		bridge.Resync()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	scanCtx, stopScan := context.WithCancel(ctx)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		handle := func(f ble.Frame) {
			reconciler.HandleFrame(f)
			pairing.HandleFrame(f)
		}
		if scanErr := transport.Scan(scanCtx, handle); scanErr != nil {
			log.Error("BLE scan stopped", "transport", cfg.BLE.Transport, "error", scanErr)
		}
	}()
	defer func() {
		stopScan()
		<-scanDone
	}()

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:             cfg.API,
			WS:                 cfg.WebSocket,
			Security:           cfg.Security,
			Logger:             log,
			Registry:           registry,
			Dispatcher:         dispatcher,
			Events:             events,
			Pairing:            pairing,
			History:            history,
			Announcer:          bridge,
			Reconciler:         reconciler,
			MQTT:               mqttClient,
			Database:           db,
			TransportName:      cfg.BLE.Transport,
			TransportConnected: transportUp,
			ConfirmWindow:      confirmWindow,
			Version:            version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()

		if cfg.Discovery.MDNS.Enabled {
			announcer := discovery.NewAnnouncer(cfg.Discovery.MDNS.Interface)
			announcer.SetLogger(log)
			announceErr := announcer.Announce(discovery.Info{
				Instance:     cfg.Discovery.MDNS.Instance,
				Port:         cfg.API.Port,
				Version:      version,
				SiteID:       cfg.Site.ID,
				Transport:    cfg.BLE.Transport,
				AuthRequired: cfg.Security.RequireAuth,
			})
			if announceErr != nil {
				log.Warn("mDNS announcement failed, API remains reachable by address", "error", announceErr)
			} else {
				defer announcer.Close()
			}
		}
	} else {
		log.Info("HTTP API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns GIRABLE_CONFIG, or configs/config.yaml when unset.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// newTransport builds the configured BLE transport and a function
// reporting whether its link is up. Proxies only learn routes to
// advertisements accepted by routable.
func newTransport(cfg config.BLEConfig, mqttClient *mqtt.Client, routable func([]byte) bool, log *logging.Logger) (ble.Transport, func() bool, error) {
	switch cfg.Transport {
	case config.TransportMQTTProxy:
		proxy := ble.NewMQTTProxy(mqttClient, cfg.Proxy)
		proxy.SetLogger(log)
		proxy.SetRouteFilter(routable)
		return proxy, mqttClient.IsConnected, nil
	case config.TransportSerial:
		dongle := ble.NewSerialDongle(cfg.Serial)
		dongle.SetLogger(log)
		return dongle, dongle.Connected, nil
	default:
		return nil, nil, fmt.Errorf("unsupported BLE transport %q", cfg.Transport)
	}
}

type bridgeDeps struct {
	mqtt        *mqtt.Client
	registry    *device.Registry
	dispatcher  *gira.Dispatcher
	events      *gira.EventBus
	pairing     *gira.PairingManager
	reconciler  *gira.Reconciler
	transportUp func() bool
}

// startBridge creates and starts the MQTT host bridge.
func startBridge(ctx context.Context, cfg *config.Config, deps bridgeDeps, log *logging.Logger) (*gira.Bridge, error) {
	var ha *gira.HADiscovery
	if cfg.Gira.HADiscovery.Enabled {
		d := gira.NewHADiscovery(cfg.Gira.HADiscovery.Prefix)
		ha = &d
	}

	bridge, err := gira.NewBridge(gira.BridgeOptions{
		Version:            version,
		MQTTClient:         deps.mqtt,
		Registry:           deps.registry,
		Dispatcher:         deps.dispatcher,
		Events:             deps.events,
		Pairing:            deps.pairing,
		Reconciler:         deps.reconciler,
		TransportName:      cfg.BLE.Transport,
		TransportConnected: deps.transportUp,
		HADiscovery:        ha,
		HealthInterval:     cfg.Gira.HealthInterval,
		ConfirmWindow:      confirmWindow,
		Logger:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gira bridge: %w", err)
	}
	// Sessions started by the first pairing request must already announce.
	deps.pairing.SetOnBound(bridge.AnnounceDevice)
	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting Gira bridge: %w", err)
	}
	log.Info("Gira bridge started", "ha_discovery", ha != nil)
	return bridge, nil
}

// healthCheck verifies the database and MQTT connections.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}

// hashAPIKey prints a new or given API key together with the hash to put
// in security.api_keys.hashes.
func hashAPIKey(args []string, stdout io.Writer) error {
	if len(args) > 1 {
		return errors.New("usage: girable hash-api-key [key]")
	}

	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		key = generated
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "key:  %s\nhash: %s\n", key, hash)
	return nil
}

// issueToken prints an access token signed with the configured JWT
// secret.
func issueToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.String("subject", "", "token subject, e.g. a host name")
	roleName := fs.String("role", string(auth.RoleOperator), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("issue-token: %w", err)
	}
	if *subject == "" {
		return errors.New("issue-token: -subject is required")
	}
	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("issue-token: security.jwt.secret is not configured")
	}

	lifetime := *ttl
	if lifetime == 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}
	token, err := auth.IssueToken(*subject, role, cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}
