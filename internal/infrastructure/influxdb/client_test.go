package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/coap-gateway/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu         sync.Mutex
	lines      []string
	pingStatus int
	writeCalls int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		f.mu.Lock()
		status := f.pingStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writeCalls++
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func startFake(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "coapgw",
		Bucket:        "device",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func waitForLines(t *testing.T, fake *fakeInflux, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if lines := fake.recorded(); len(lines) >= n {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, got %v", n, fake.recorded())
	return nil
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Org:     "coapgw",
		Bucket:  "device",
	}
	_, err := Connect(context.Background(), cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	fake, cfg := startFake(t)
	fake.pingStatus = http.StatusServiceUnavailable

	client, err := Connect(context.Background(), cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if client != nil {
		t.Error("Connect() returned a client for an unhealthy server")
	}
}

func TestConnect_HealthCheck(t *testing.T) {
	_, cfg := startFake(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheck_ServerUnavailable(t *testing.T) {
	fake, cfg := startFake(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	fake.mu.Lock()
	fake.pingStatus = http.StatusServiceUnavailable
	fake.mu.Unlock()

	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil, want failure for 503 ping")
	}
}

func TestWriteReading(t *testing.T) {
	fake, cfg := startFake(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.WriteReading("temp", 21.5, "poller", at)
	client.WriteReading("led", 1, "api", at)
	client.Flush()

	lines := waitForLines(t, fake, 2)
	want := []string{
		"device_readings,resource=temp,source=poller value=21.5",
		"device_readings,resource=led,source=api value=1",
	}
	for i, prefix := range want {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line[%d] = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestWriteExchange(t *testing.T) {
	fake, cfg := startFake(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteExchange("temp", "GET", "timeout", 150*time.Millisecond, 2, time.Time{})
	client.Flush()

	lines := waitForLines(t, fake, 1)
	for _, part := range []string{
		"coap_exchanges,outcome=timeout,resource=temp,verb=GET",
		"attempts=2i",
		"duration_ms=150",
	} {
		if !strings.Contains(lines[0], part) {
			t.Errorf("line %q missing %q", lines[0], part)
		}
	}
}

func TestClose_StopsWrites(t *testing.T) {
	fake, cfg := startFake(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	client.WriteReading("temp", 20, "poller", time.Now())
	client.Flush()
	time.Sleep(100 * time.Millisecond)
	if got := fake.recorded(); len(got) != 0 {
		t.Errorf("recorded %v after Close, want none", got)
	}
}

func TestSetOnError(t *testing.T) {
	client := &Client{}
	called := make(chan error, 1)
	client.SetOnError(func(err error) { called <- err })

	errs := make(chan error, 1)
	errs <- errors.New("write rejected")
	close(errs)
	client.handleWriteErrors(errs)

	select {
	case err := <-called:
		if err.Error() != "write rejected" {
			t.Errorf("callback error = %q, want %q", err, "write rejected")
		}
	default:
		t.Error("error callback not invoked")
	}
}

func TestNewReadingPoint_ZeroTime(t *testing.T) {
	before := time.Now()
	p := newReadingPoint("tempvar", 3, "mqtt", time.Time{})

	if p.Name() != measurementReadings {
		t.Errorf("Name() = %q, want %q", p.Name(), measurementReadings)
	}
	if p.Time().Before(before) {
		t.Errorf("Time() = %v, want >= %v", p.Time(), before)
	}
}
