package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with an explicit missing config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configPathEnv, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	t.Setenv(configPathEnv, writeConfig(t, `
device:
  host: "127.0.0.1"
  port: 0
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with an invalid device port")
	}
}

// TestRun_StartupAndShutdown starts the gateway with only the HTTP API and
// SQLite history, then cancels.
func TestRun_StartupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configPathEnv, writeConfig(t, fmt.Sprintf(`
device:
  host: "127.0.0.1"
  port: 5683
  timeout: 200ms
database:
  enabled: true
  path: %q
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  host: "127.0.0.1"
  port: %d
telemetry:
  poll_interval: 0s
logging:
  level: error
`, filepath.Join(dir, "history.db"), freePort(t))))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history.db")); err != nil {
		t.Errorf("history database not created: %v", err)
	}
}

func TestRun_APIPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer l.Close()

	t.Setenv(configPathEnv, writeConfig(t, fmt.Sprintf(`
database:
  enabled: false
api:
  host: "127.0.0.1"
  port: %d
logging:
  level: error
`, l.Addr().(*net.TCPAddr).Port)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the API port is taken")
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv(configPathEnv, "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv(configPathEnv, expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestHealthCheck_AllDisabled(t *testing.T) {
	if err := healthCheck(context.Background(), nil, nil, nil); err != nil {
		t.Errorf("healthCheck() error = %v, want nil", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	got := retryPolicy(config.DeviceRetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	want := coap.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
	if got != want {
		t.Errorf("retryPolicy() = %+v, want %+v", got, want)
	}

	if single := retryPolicy(config.DeviceRetryConfig{MaxAttempts: 1}); single.AddJitter {
		t.Error("single attempt policy should not add jitter")
	}
}

func TestExchangeOutcome(t *testing.T) {
	tests := []struct {
		name string
		ex   coap.Exchange
		want string
	}{
		{name: "success", ex: coap.Exchange{}, want: "ok"},
		{name: "timeout", ex: coap.Exchange{Err: &coap.Failure{Kind: coap.KindTimeout}}, want: string(coap.KindTimeout)},
		{name: "decode", ex: coap.Exchange{Err: &coap.Failure{Kind: coap.KindDecode}}, want: string(coap.KindDecode)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exchangeOutcome(tt.ex); got != tt.want {
				t.Errorf("exchangeOutcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExchangeRecorder_NilClient(t *testing.T) {
	if exchangeRecorder(nil) != nil {
		t.Error("exchangeRecorder(nil) should return nil")
	}
}

func TestHistoryEntry(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := historyEntry(coap.Reading{
		Resource:  coap.ResourceLED,
		Value:     1,
		Text:      "On",
		Source:    coap.SourceMQTT,
		Timestamp: at,
	})

	if e.Resource != string(coap.ResourceLED) {
		t.Errorf("Resource = %q, want %q", e.Resource, coap.ResourceLED)
	}
	if e.Value != 1 || e.Text != "On" {
		t.Errorf("Value/Text = %v/%q, want 1/On", e.Value, e.Text)
	}
	if e.Source != coap.SourceMQTT {
		t.Errorf("Source = %q, want %q", e.Source, coap.SourceMQTT)
	}
	if !e.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, at)
	}
}
