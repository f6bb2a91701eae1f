package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gira BLE core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	BLE       BLEConfig       `yaml:"ble"`
	Gira      GiraConfig      `yaml:"gira"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies this installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Supported BLE transports.
const (
	TransportMQTTProxy = "mqtt_proxy"
	TransportSerial    = "serial"
)

// BLEConfig selects the transport that delivers advertisements and
// carries broadcasts. The core never opens a radio itself.
type BLEConfig struct {
	// Transport is "mqtt_proxy" or "serial".
	Transport string `yaml:"transport"`

	// ManufacturerID is the company identifier expected at the start of
	// Gira manufacturer data.
	ManufacturerID uint16 `yaml:"manufacturer_id"`

	Proxy  BLEProxyConfig  `yaml:"proxy"`
	Serial BLESerialConfig `yaml:"serial"`
}

// BLEProxyConfig configures BLE proxies reachable over MQTT.
type BLEProxyConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
	// ProxyID pins broadcasts to one proxy. Empty sends to the proxy that
	// most recently heard the target MAC.
	ProxyID string `yaml:"proxy_id"`
}

// BLESerialConfig configures a USB BLE dongle speaking the line protocol.
type BLESerialConfig struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
}

// GiraConfig contains protocol-core tuning.
type GiraConfig struct {
	PairingTimeout        time.Duration     `yaml:"pairing_timeout"`
	BroadcastDuration     time.Duration     `yaml:"broadcast_duration"`
	StalenessTimeout      time.Duration     `yaml:"staleness_timeout"`
	LivenessInterval      time.Duration     `yaml:"liveness_interval"`
	TemperatureResolution float64           `yaml:"temperature_resolution"`
	HealthInterval        time.Duration     `yaml:"health_interval"`
	HADiscovery           HADiscoveryConfig `yaml:"ha_discovery"`
}

// HADiscoveryConfig controls Home Assistant MQTT discovery announcements.
type HADiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// DiscoveryConfig controls mDNS announcement of the HTTP API.
type DiscoveryConfig struct {
	MDNS MDNSConfig `yaml:"mdns"`
}

// MDNSConfig contains mDNS advertiser settings.
type MDNSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	// RequireAuth rejects unauthenticated API calls. When true, a JWT
	// secret or at least one API key hash must be configured.
	RequireAuth bool         `yaml:"require_auth"`
	JWT         JWTConfig    `yaml:"jwt"`
	APIKeys     APIKeyConfig `yaml:"api_keys"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes, used by issue-token
}

// APIKeyConfig holds Argon2id hashes of accepted API keys.
type APIKeyConfig struct {
	Hashes []string `yaml:"hashes"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern GIRABLE_SECTION_KEY,
// for example GIRABLE_DATABASE_PATH or GIRABLE_SERIAL_PORT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gira BLE",
		},
		Database: DatabaseConfig{
			Path:        "./data/girable.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "girable-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		BLE: BLEConfig{
			Transport:      TransportMQTTProxy,
			ManufacturerID: 0x0589, //nolint:mnd // unverified against captured traffic, override per site
			Proxy: BLEProxyConfig{
				TopicPrefix: "girable/ble",
			},
			Serial: BLESerialConfig{
				Port:           "/dev/ttyACM0",
				BaudRate:       115200,
				ReconnectDelay: 5 * time.Second,
				ReplyTimeout:   3 * time.Second,
			},
		},
		Gira: GiraConfig{
			PairingTimeout:        30 * time.Second,
			BroadcastDuration:     2 * time.Second,
			StalenessTimeout:      10 * time.Minute,
			LivenessInterval:      30 * time.Second,
			TemperatureResolution: 0.5,
			HealthInterval:        30 * time.Second,
			HADiscovery: HADiscoveryConfig{
				Enabled: true,
				Prefix:  "homeassistant",
			},
		},
		Discovery: DiscoveryConfig{
			MDNS: MDNSConfig{
				Instance: "Gira BLE Core",
			},
		},
		Security: SecurityConfig{
			RequireAuth: true,
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GIRABLE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GIRABLE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GIRABLE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GIRABLE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GIRABLE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GIRABLE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("GIRABLE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GIRABLE_BLE_TRANSPORT"); v != "" {
		cfg.BLE.Transport = v
	}
	if v := os.Getenv("GIRABLE_SERIAL_PORT"); v != "" {
		cfg.BLE.Serial.Port = v
	}

	if v := os.Getenv("GIRABLE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// minJWTSecretLength is the shortest accepted HMAC secret.
const minJWTSecretLength = 32

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	errs = append(errs, c.validateBLE()...)
	errs = append(errs, c.validateGira()...)
	errs = append(errs, c.validateSecurity()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBLE() []string {
	var errs []string
	switch c.BLE.Transport {
	case TransportMQTTProxy:
		if c.BLE.Proxy.TopicPrefix == "" {
			errs = append(errs, "ble.proxy.topic_prefix is required for mqtt_proxy transport")
		}
	case TransportSerial:
		if c.BLE.Serial.Port == "" {
			errs = append(errs, "ble.serial.port is required for serial transport")
		}
		if c.BLE.Serial.BaudRate <= 0 {
			errs = append(errs, "ble.serial.baud_rate must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("ble.transport %q is not supported (use mqtt_proxy or serial)", c.BLE.Transport))
	}
	return errs
}

func (c *Config) validateGira() []string {
	var errs []string
	if c.Gira.PairingTimeout <= 0 {
		errs = append(errs, "gira.pairing_timeout must be positive")
	}
	if c.Gira.BroadcastDuration <= 0 {
		errs = append(errs, "gira.broadcast_duration must be positive")
	}
	if c.Gira.StalenessTimeout <= 0 {
		errs = append(errs, "gira.staleness_timeout must be positive")
	}
	if c.Gira.LivenessInterval <= 0 {
		errs = append(errs, "gira.liveness_interval must be positive")
	}
	if c.Gira.TemperatureResolution <= 0 {
		errs = append(errs, "gira.temperature_resolution must be positive")
	}
	return errs
}

func (c *Config) validateSecurity() []string {
	var errs []string
	secret := c.Security.JWT.Secret
	if secret != "" && len(secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.RequireAuth && c.API.Enabled && secret == "" && len(c.Security.APIKeys.Hashes) == 0 {
		errs = append(errs, "security.require_auth needs security.jwt.secret (GIRABLE_JWT_SECRET) or security.api_keys.hashes")
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
