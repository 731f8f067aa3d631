package coap

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// resultOK is the result field of every successful gateway response.
const resultOK = "ok"

// Sender performs a single logical device request. *Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, resource Resource, verb Verb, payload []byte) ([]byte, error)
}

// ReadingPublisher receives readings produced by successful gateway calls.
// *Notifier implements it.
type ReadingPublisher interface {
	Publish(r Reading)
}

// LEDStatus is the result of GetLEDState.
type LEDStatus struct {
	Result string   `json:"result"`
	LED    LEDState `json:"led"`
}

// LEDControl is the result of SetLEDState.
type LEDControl struct {
	Result  string   `json:"result"`
	Message string   `json:"message"`
	LED     LEDState `json:"led"`
}

// TemperatureReading is the result of GetTemperature and GetAltTemperature.
type TemperatureReading struct {
	Result       string  `json:"result"`
	TemperatureC float64 `json:"temperature_c"`
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// Sender performs device exchanges. Required.
	Sender Sender

	// Publisher receives readings. Optional.
	Publisher ReadingPublisher
}

// Gateway exposes the device's resources as typed operations.
//
// Every failure is a *Failure whose Message is the caller-facing text for the
// operation and whose Kind distinguishes caller errors, timeouts, transport
// failures and undecodable payloads. Gateway holds no mutable state and is
// safe for concurrent use.
type Gateway struct {
	sender    Sender
	publisher ReadingPublisher
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	return &Gateway{
		sender:    opts.Sender,
		publisher: opts.Publisher,
	}, nil
}

// GetLEDState reads the current LED state.
func (g *Gateway) GetLEDState(ctx context.Context) (LEDStatus, error) {
	payload, err := g.sender.Send(ctx, ResourceLED, VerbGet, nil)
	if err != nil {
		return LEDStatus{}, AsFailure(err).withMessage(MsgLEDStatusFailed)
	}

	state, err := DecodeCommand(payload)
	if err != nil {
		return LEDStatus{}, newFailure(KindDecode, ResourceLED, MsgInvalidLEDState, err)
	}

	g.publish(ctx, Reading{Resource: ResourceLED, Value: ledValue(state), Text: string(state)})
	return LEDStatus{Result: resultOK, LED: state}, nil
}

// SetLEDState switches the LED. The command is validated before any network
// activity: anything other than "On" or "Off" fails with KindInvalidCommand
// and no exchange takes place.
func (g *Gateway) SetLEDState(ctx context.Context, command string) (LEDControl, error) {
	state, err := ValidateCommand(command)
	if err != nil {
		return LEDControl{}, newFailure(KindInvalidCommand, ResourceLED, MsgInvalidCommand, err)
	}

	payload, err := g.sender.Send(ctx, ResourceLED, VerbPost, EncodeCommand(state))
	if err != nil {
		return LEDControl{}, AsFailure(err).withMessage(MsgLEDControlFailed)
	}

	reply, err := DecodeText(payload)
	if err != nil {
		return LEDControl{}, newFailure(KindDecode, ResourceLED, MsgLEDControlFailed, err)
	}

	g.publish(ctx, Reading{Resource: ResourceLED, Value: ledValue(state), Text: string(state)})
	return LEDControl{Result: resultOK, Message: reply, LED: state}, nil
}

// GetTemperature reads the primary temperature resource.
func (g *Gateway) GetTemperature(ctx context.Context) (TemperatureReading, error) {
	return g.readTemperature(ctx, ResourceTemperature)
}

// GetAltTemperature reads the alternate temperature resource. Its semantics
// are device-defined; the gateway treats it as an opaque decimal.
func (g *Gateway) GetAltTemperature(ctx context.Context) (TemperatureReading, error) {
	return g.readTemperature(ctx, ResourceAltTemperature)
}

// Read dispatches to the read operation for resource.
func (g *Gateway) Read(ctx context.Context, resource Resource) (any, error) {
	switch resource {
	case ResourceLED:
		return g.GetLEDState(ctx)
	case ResourceTemperature:
		return g.GetTemperature(ctx)
	case ResourceAltTemperature:
		return g.GetAltTemperature(ctx)
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

func (g *Gateway) readTemperature(ctx context.Context, resource Resource) (TemperatureReading, error) {
	payload, err := g.sender.Send(ctx, resource, VerbGet, nil)
	if err != nil {
		return TemperatureReading{}, AsFailure(err).withMessage(MsgTemperatureFailed)
	}

	value, err := DecodeTemperature(payload)
	if err != nil {
		return TemperatureReading{}, newFailure(KindDecode, resource, MsgInvalidTemperature, err)
	}

	g.publish(ctx, Reading{Resource: resource, Value: value, Text: strings.TrimSpace(string(payload))})
	return TemperatureReading{Result: resultOK, TemperatureC: value}, nil
}

// publish stamps and forwards a reading. It never blocks the caller.
func (g *Gateway) publish(ctx context.Context, r Reading) {
	if g.publisher == nil {
		return
	}
	r.Source = SourceFromContext(ctx)
	r.Timestamp = time.Now().UTC()
	g.publisher.Publish(r)
}

func ledValue(state LEDState) float64 {
	if state.Bool() {
		return 1
	}
	return 0
}
