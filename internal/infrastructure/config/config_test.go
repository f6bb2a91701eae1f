package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/girable-test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1884
  qos: 1
ble:
  transport: serial
  manufacturer_id: 1234
  serial:
    port: "/dev/ttyUSB1"
    baud_rate: 57600
gira:
  pairing_timeout: 45s
  staleness_timeout: 5m
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1884 {
		t.Errorf("MQTT broker = %s:%d, want broker.local:1884", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
	}
	if cfg.BLE.Transport != TransportSerial {
		t.Errorf("BLE.Transport = %q, want %q", cfg.BLE.Transport, TransportSerial)
	}
	if cfg.BLE.ManufacturerID != 1234 {
		t.Errorf("BLE.ManufacturerID = %d, want 1234", cfg.BLE.ManufacturerID)
	}
	if cfg.BLE.Serial.BaudRate != 57600 {
		t.Errorf("BLE.Serial.BaudRate = %d, want 57600", cfg.BLE.Serial.BaudRate)
	}
	if cfg.Gira.PairingTimeout != 45*time.Second {
		t.Errorf("Gira.PairingTimeout = %v, want 45s", cfg.Gira.PairingTimeout)
	}
	if cfg.Gira.StalenessTimeout != 5*time.Minute {
		t.Errorf("Gira.StalenessTimeout = %v, want 5m", cfg.Gira.StalenessTimeout)
	}
	// Untouched values keep their defaults.
	if cfg.Gira.BroadcastDuration != 2*time.Second {
		t.Errorf("Gira.BroadcastDuration = %v, want default 2s", cfg.Gira.BroadcastDuration)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
ble:
  transport: bluez
security:
  require_auth: false
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"site.id is required", "ble.transport"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults with secret",
			modify: func(c *Config) { c.Security.JWT.Secret = strings.Repeat("s", 32) },
		},
		{
			name: "api keys satisfy auth",
			modify: func(c *Config) {
				c.Security.APIKeys.Hashes = []string{"$argon2id$v=19$m=65536,t=3,p=1$c2FsdA$aGFzaA"}
			},
		},
		{
			name:   "auth disabled",
			modify: func(c *Config) { c.Security.RequireAuth = false },
		},
		{
			name:    "auth required without credentials",
			modify:  func(*Config) {},
			wantErr: "security.require_auth",
		},
		{
			name: "short jwt secret",
			modify: func(c *Config) {
				c.Security.JWT.Secret = "short"
			},
			wantErr: "at least 32 characters",
		},
		{
			name: "invalid qos",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.MQTT.QoS = 3
			},
			wantErr: "mqtt.qos",
		},
		{
			name: "invalid api port",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.API.Port = 70000
			},
			wantErr: "api.port",
		},
		{
			name: "serial without port",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.BLE.Transport = TransportSerial
				c.BLE.Serial.Port = ""
			},
			wantErr: "ble.serial.port",
		},
		{
			name: "proxy without prefix",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.BLE.Proxy.TopicPrefix = ""
			},
			wantErr: "ble.proxy.topic_prefix",
		},
		{
			name: "zero pairing timeout",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.Gira.PairingTimeout = 0
			},
			wantErr: "gira.pairing_timeout",
		},
		{
			name: "negative temperature resolution",
			modify: func(c *Config) {
				c.Security.RequireAuth = false
				c.Gira.TemperatureResolution = -0.5
			},
			wantErr: "gira.temperature_resolution",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{Read: 10, Write: 20, Idle: 30},
		},
	}

	if got := cfg.GetReadTimeout(); got != 10*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 30*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 30s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GIRABLE_DATABASE_PATH", "/env/girable.db")
	t.Setenv("GIRABLE_MQTT_HOST", "mqtt.env")
	t.Setenv("GIRABLE_MQTT_PORT", "8883")
	t.Setenv("GIRABLE_BLE_TRANSPORT", TransportSerial)
	t.Setenv("GIRABLE_SERIAL_PORT", "/dev/ttyENV")
	t.Setenv("GIRABLE_JWT_SECRET", "env-secret")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/env/girable.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "mqtt.env" || cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT broker = %s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
	}
	if cfg.BLE.Transport != TransportSerial || cfg.BLE.Serial.Port != "/dev/ttyENV" {
		t.Errorf("BLE = %q %q", cfg.BLE.Transport, cfg.BLE.Serial.Port)
	}
	if cfg.Security.JWT.Secret != "env-secret" {
		t.Errorf("JWT.Secret = %q", cfg.Security.JWT.Secret)
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	t.Setenv("GIRABLE_MQTT_PORT", "not-a-port")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want default 1883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.BLE.ManufacturerID != 0x0589 {
		t.Errorf("BLE.ManufacturerID = %#04x", cfg.BLE.ManufacturerID)
	}
	if cfg.Gira.PairingTimeout != 30*time.Second {
		t.Errorf("Gira.PairingTimeout = %v, want 30s", cfg.Gira.PairingTimeout)
	}
	if cfg.Gira.StalenessTimeout != 10*time.Minute {
		t.Errorf("Gira.StalenessTimeout = %v, want 10m", cfg.Gira.StalenessTimeout)
	}
	if cfg.Gira.TemperatureResolution != 0.5 {
		t.Errorf("Gira.TemperatureResolution = %v, want 0.5", cfg.Gira.TemperatureResolution)
	}
	if !cfg.Gira.HADiscovery.Enabled || cfg.Gira.HADiscovery.Prefix != "homeassistant" {
		t.Errorf("HADiscovery = %+v", cfg.Gira.HADiscovery)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}
