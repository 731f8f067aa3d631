//go:build integration

package coap_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/devicesim"
)

// Integration tests for the CoAP gateway over real UDP.
// Run with: go test -tags=integration -v ./internal/bridges/coap/...
//
// Each test starts an in-process device simulator on a loopback port.

type stack struct {
	gateway   *coap.Gateway
	transport coap.TransportManager
	device    *devicesim.Device
}

func startStack(t *testing.T, device *devicesim.Device, policy coap.TransportPolicy, timeout time.Duration) stack {
	t.Helper()

	sim, err := devicesim.Listen(device, devicesim.ServerConfig{Address: "127.0.0.1:0", TickInterval: -1})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { sim.Close() })

	udpAddr, ok := sim.Addr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected listener address %T", sim.Addr())
	}
	endpoint, err := coap.NewEndpoint("127.0.0.1", udpAddr.Port)
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}

	transport, err := coap.NewTransport(coap.TransportConfig{Policy: policy, Address: endpoint.Address()})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	t.Cleanup(func() { transport.Close() })

	dispatcher, err := coap.NewDispatcher(coap.DispatcherOptions{
		Endpoint:  endpoint,
		Transport: transport,
		Timeout:   timeout,
	})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	gw, err := coap.NewGateway(coap.GatewayOptions{Sender: dispatcher})
	if err != nil {
		t.Fatalf("NewGateway() error = %v", err)
	}
	return stack{gateway: gw, transport: transport, device: device}
}

func TestIntegrationLEDRoundTrip(t *testing.T) {
	for _, policy := range []coap.TransportPolicy{coap.PolicyShared, coap.PolicyPerExchange} {
		t.Run(string(policy), func(t *testing.T) {
			s := startStack(t, devicesim.New(devicesim.Config{}), policy, 2*time.Second)
			ctx := context.Background()

			status, err := s.gateway.GetLEDState(ctx)
			if err != nil {
				t.Fatalf("GetLEDState() error = %v", err)
			}
			if status.LED != coap.LEDOff {
				t.Errorf("initial LED = %q, want Off", status.LED)
			}

			ctrl, err := s.gateway.SetLEDState(ctx, "On")
			if err != nil {
				t.Fatalf("SetLEDState() error = %v", err)
			}
			if ctrl.Message != "ok merci" || ctrl.LED != coap.LEDOn {
				t.Errorf("SetLEDState() = %+v", ctrl)
			}

			status, err = s.gateway.GetLEDState(ctx)
			if err != nil {
				t.Fatalf("GetLEDState() error = %v", err)
			}
			if status.LED != coap.LEDOn {
				t.Errorf("LED after On = %q, want On", status.LED)
			}
		})
	}
}

func TestIntegrationTemperature(t *testing.T) {
	device := devicesim.New(devicesim.Config{Temperature: 23.5})
	s := startStack(t, device, coap.PolicyShared, 2*time.Second)

	got, err := s.gateway.GetTemperature(context.Background())
	if err != nil {
		t.Fatalf("GetTemperature() error = %v", err)
	}
	if got.TemperatureC != 23.5 {
		t.Errorf("TemperatureC = %v, want 23.5", got.TemperatureC)
	}

	device.SetSensorFault(true)
	_, err = s.gateway.GetTemperature(context.Background())
	var f *coap.Failure
	if !errors.As(err, &f) || f.Kind != coap.KindDecode || f.Message != coap.MsgInvalidTemperature {
		t.Errorf("GetTemperature() with sensor fault error = %v, want decode failure", err)
	}

	device.Tick()
	device.Tick()
	alt, err := s.gateway.GetAltTemperature(context.Background())
	if err != nil {
		t.Fatalf("GetAltTemperature() error = %v", err)
	}
	if alt.TemperatureC != 2 {
		t.Errorf("GetAltTemperature() = %v, want 2", alt.TemperatureC)
	}
}

func TestIntegrationInvalidCommandSendsNothing(t *testing.T) {
	device := devicesim.New(devicesim.Config{})
	s := startStack(t, device, coap.PolicyShared, 2*time.Second)

	_, err := s.gateway.SetLEDState(context.Background(), "Toggle")
	if !errors.Is(err, coap.ErrInvalidCommand) {
		t.Fatalf("SetLEDState(Toggle) error = %v, want ErrInvalidCommand", err)
	}
	if got := device.Stats().Requests; got != 0 {
		t.Errorf("device requests = %d, want 0", got)
	}
	if got := s.transport.Stats().Dials; got != 0 {
		t.Errorf("dials = %d, want 0", got)
	}
}

func TestIntegrationTimeoutThenRecovery(t *testing.T) {
	device := devicesim.New(devicesim.Config{Temperature: 20, Latency: 300 * time.Millisecond})
	s := startStack(t, device, coap.PolicyShared, 100*time.Millisecond)

	_, err := s.gateway.GetTemperature(context.Background())
	if !errors.Is(err, coap.ErrTimeout) {
		t.Fatalf("slow GetTemperature() error = %v, want ErrTimeout", err)
	}

	device.SetLatency(0)
	// Let the late answer to the timed-out request drain.
	time.Sleep(400 * time.Millisecond)

	got, err := s.gateway.GetTemperature(context.Background())
	if err != nil {
		t.Fatalf("GetTemperature() after recovery error = %v", err)
	}
	if got.TemperatureC != 20 {
		t.Errorf("TemperatureC = %v, want 20", got.TemperatureC)
	}
	// A timeout leaves the shared connection in place.
	stats := s.transport.Stats()
	if stats.Discards != 0 || stats.Dials != 1 {
		t.Errorf("dials/discards = %d/%d, want 1/0", stats.Dials, stats.Discards)
	}
}

func TestIntegrationUnreachableDevice(t *testing.T) {
	// Nothing listens on this port; the exchange must fail within the bound.
	endpoint, _ := coap.NewEndpoint("127.0.0.1", 1)
	transport, err := coap.NewTransport(coap.TransportConfig{Address: endpoint.Address()})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	defer transport.Close()

	dispatcher, _ := coap.NewDispatcher(coap.DispatcherOptions{
		Endpoint:  endpoint,
		Transport: transport,
		Timeout:   200 * time.Millisecond,
	})
	gw, _ := coap.NewGateway(coap.GatewayOptions{Sender: dispatcher})

	start := time.Now()
	_, err = gw.GetLEDState(context.Background())
	if err == nil {
		t.Fatal("GetLEDState() against closed port expected error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("failure took %v", elapsed)
	}
	var f *coap.Failure
	if !errors.As(err, &f) || f.Message != coap.MsgLEDStatusFailed {
		t.Errorf("error = %v, want %q", err, coap.MsgLEDStatusFailed)
	}
}

func TestIntegrationConcurrentCalls(t *testing.T) {
	device := devicesim.New(devicesim.Config{Temperature: 19.25, LEDOn: true})
	s := startStack(t, device, coap.PolicyShared, 2*time.Second)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.gateway.GetTemperature(context.Background())
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := s.gateway.GetLEDState(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent call error = %v", err)
		}
	}
	if got := device.Stats().Requests; got != 2*n {
		t.Errorf("device requests = %d, want %d", got, 2*n)
	}
}
