package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gira-ble-core/internal/auth"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/config"
	"github.com/nerrad567/gira-ble-core/internal/infrastructure/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// writeConfig writes a minimal valid config and points GIRABLE_CONFIG at it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
site:
  id: test-site
database:
  path: ` + filepath.Join(dir, "girable.db") + `
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "girable-test"
logging:
  level: error
  format: text
  output: stdout
security:
  require_auth: true
  jwt:
    secret: "` + testSecret + `"
    access_token_ttl: 15
` + extra
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configEnv, path)
	return path
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv(configEnv, "/etc/girable/config.yaml")
	if got := getConfigPath(); got != "/etc/girable/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnv, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestDispatch_Unknown(t *testing.T) {
	if err := dispatch(context.Background(), []string{"frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Error("dispatch() should reject unknown commands")
	}
}

func TestDispatch_Version(t *testing.T) {
	var out bytes.Buffer
	if err := dispatch(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "girable "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestHashAPIKey(t *testing.T) {
	var out bytes.Buffer
	if err := hashAPIKey([]string{"gbk_test-key"}, &out); err != nil {
		t.Fatalf("hashAPIKey() error = %v", err)
	}

	var key, hash string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		switch {
		case strings.HasPrefix(line, "key:"):
			key = strings.TrimSpace(strings.TrimPrefix(line, "key:"))
		case strings.HasPrefix(line, "hash:"):
			hash = strings.TrimSpace(strings.TrimPrefix(line, "hash:"))
		}
	}
	if key != "gbk_test-key" {
		t.Errorf("key = %q", key)
	}
	ok, err := auth.VerifyAPIKey(key, hash)
	if err != nil || !ok {
		t.Errorf("VerifyAPIKey() = %v, %v", ok, err)
	}

	out.Reset()
	if err := hashAPIKey(nil, &out); err != nil {
		t.Fatalf("hashAPIKey(generate) error = %v", err)
	}
	if !strings.Contains(out.String(), "key:  gbk_") {
		t.Errorf("generated output = %q", out.String())
	}

	if err := hashAPIKey([]string{"a", "b"}, &out); err == nil {
		t.Error("hashAPIKey() should reject extra arguments")
	}
}

func TestIssueToken(t *testing.T) {
	writeConfig(t, "")

	var out bytes.Buffer
	if err := issueToken([]string{"-subject", "ha-host", "-role", "viewer"}, &out); err != nil {
		t.Fatalf("issueToken() error = %v", err)
	}
	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ha-host" || claims.Role != auth.RoleViewer {
		t.Errorf("claims = %+v", claims)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl > 15*time.Minute || ttl < 14*time.Minute {
		t.Errorf("token lifetime = %v, want about 15m", ttl)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"missing subject", []string{"-role", "admin"}},
		{"bad role", []string{"-subject", "x", "-role", "root"}},
		{"bad flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := issueToken(tt.args, &out); err == nil {
				t.Error("issueToken() should fail")
			}
		})
	}
}

func TestNewTransport(t *testing.T) {
	log := logging.Default()

	tr, up, err := newTransport(config.BLEConfig{Transport: config.TransportSerial, Serial: config.BLESerialConfig{Port: "/dev/null"}}, nil, nil, log)
	if err != nil || tr == nil {
		t.Fatalf("newTransport(serial) = %v, %v", tr, err)
	}
	if up() {
		t.Error("serial transport should report disconnected before Scan")
	}

	if _, _, err := newTransport(config.BLEConfig{Transport: "bluez"}, nil, nil, log); err == nil {
		t.Error("newTransport() should reject unknown transports")
	}
}
