// Package devicesim emulates the CoAP sensor board served by the gateway.
//
// The simulated device exposes the same three resources as the firmware:
//
//   - LED: GET returns "On" or "Off"; POST accepts exactly "On" or "Off",
//     answers 2.01 Created "ok merci" and rejects anything else with 4.00.
//   - temp: GET returns the sensor temperature with two decimals, or "nan"
//     when the sensor is faulted.
//   - tempVar: GET returns a counter that grows by one every tick.
//
// It is used for local development (cmd/devicesim) and for integration tests
// that exercise the real UDP transport.
package devicesim

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
)

// ledReply is the firmware's answer to a successful LED POST.
const ledReply = "ok merci"

// DefaultTickInterval matches the firmware main loop delay.
const DefaultTickInterval = time.Second

// Config configures a simulated device.
type Config struct {
	// Temperature is the initial sensor reading in °C.
	Temperature float64

	// SensorFault makes temp answer "nan".
	SensorFault bool

	// LEDOn sets the initial LED state.
	LEDOn bool

	// Latency delays every answer. Zero answers immediately.
	Latency time.Duration
}

// Stats holds request counters.
type Stats struct {
	Requests uint64
	Rejected uint64
}

// Device holds the simulated device state.
type Device struct {
	mu          sync.RWMutex
	ledOn       bool
	temperature float64
	sensorFault bool
	counter     float64
	latency     time.Duration

	requests atomic.Uint64
	rejected atomic.Uint64
}

// New creates a simulated device.
func New(cfg Config) *Device {
	return &Device{
		ledOn:       cfg.LEDOn,
		temperature: cfg.Temperature,
		sensorFault: cfg.SensorFault,
		latency:     cfg.Latency,
	}
}

// Handle answers a request for resource with method and payload.
func (d *Device) Handle(resource coap.Resource, method codes.Code, payload []byte) (codes.Code, []byte) {
	d.requests.Add(1)

	d.mu.RLock()
	latency := d.latency
	d.mu.RUnlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	switch {
	case resource == coap.ResourceLED && method == codes.GET:
		return codes.Content, []byte(d.ledState())
	case resource == coap.ResourceLED && method == codes.POST:
		return d.setLED(payload)
	case resource == coap.ResourceTemperature && method == codes.GET:
		return codes.Content, []byte(d.temperatureText())
	case resource == coap.ResourceAltTemperature && method == codes.GET:
		d.mu.RLock()
		counter := d.counter
		d.mu.RUnlock()
		return codes.Content, []byte(formatFloat(counter))
	case resource.Valid():
		d.rejected.Add(1)
		return codes.MethodNotAllowed, nil
	default:
		d.rejected.Add(1)
		return codes.NotFound, nil
	}
}

func (d *Device) ledState() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ledOn {
		return string(coap.LEDOn)
	}
	return string(coap.LEDOff)
}

func (d *Device) setLED(payload []byte) (codes.Code, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch coap.LEDState(payload) {
	case coap.LEDOn:
		d.ledOn = true
	case coap.LEDOff:
		d.ledOn = false
	default:
		d.rejected.Add(1)
		return codes.BadRequest, nil
	}
	return codes.Created, []byte(ledReply)
}

func (d *Device) temperatureText() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.sensorFault {
		return formatFloat(math.NaN())
	}
	return formatFloat(d.temperature)
}

// formatFloat renders a float the way the firmware's String(float) does.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return fmt.Sprintf("%.2f", v)
}

// Tick advances the tempVar counter by one.
func (d *Device) Tick() {
	d.mu.Lock()
	d.counter++
	d.mu.Unlock()
}

// SetTemperature changes the sensor reading and clears any fault.
func (d *Device) SetTemperature(v float64) {
	d.mu.Lock()
	d.temperature = v
	d.sensorFault = false
	d.mu.Unlock()
}

// SetSensorFault makes the temp resource answer "nan" until cleared.
func (d *Device) SetSensorFault(fault bool) {
	d.mu.Lock()
	d.sensorFault = fault
	d.mu.Unlock()
}

// SetLatency changes the answer delay.
func (d *Device) SetLatency(latency time.Duration) {
	d.mu.Lock()
	d.latency = latency
	d.mu.Unlock()
}

// LEDOn reports the LED state.
func (d *Device) LEDOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ledOn
}

// Stats returns request counters.
func (d *Device) Stats() Stats {
	return Stats{
		Requests: d.requests.Load(),
		Rejected: d.rejected.Load(),
	}
}
