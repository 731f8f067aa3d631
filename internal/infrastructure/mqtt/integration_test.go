//go:build integration

package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Integration tests against a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_ConnectAndHealth(t *testing.T) {
	client := connectTest(t, "coapgw-int-health")

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	client := connectTest(t, "coapgw-int-pubsub")

	var mu sync.Mutex
	received := map[string]string{}
	done := make(chan struct{}, 4)

	err := client.Subscribe("coapgw/int/+/state", 1, func(topic string, payload []byte) error {
		mu.Lock()
		received[topic] = string(payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}

	for _, res := range []string{"LED", "temp"} {
		if err := client.Publish("coapgw/int/"+res+"/state", []byte(res), 1, false); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for messages")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received["coapgw/int/LED/state"] != "LED" || received["coapgw/int/temp/state"] != "temp" {
		t.Errorf("received = %v", received)
	}
}

func TestIntegration_OnlineStatusRetained(t *testing.T) {
	connectTest(t, "coapgw-int-status")
	observer := connectTest(t, "coapgw-int-status-observer")

	got := make(chan string, 4)
	err := observer.Subscribe(Topics{}.SystemStatus(), 1, func(_ string, payload []byte) error {
		got <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case payload := <-got:
		if payload == "" {
			t.Error("empty status payload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no retained status received")
	}
}
