package coap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// commandTimeout bounds a command received over MQTT, retries included.
const commandTimeout = 5 * time.Second

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// LEDController switches the LED. *Gateway implements it.
type LEDController interface {
	SetLEDState(ctx context.Context, command string) (LEDControl, error)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// ID identifies the bridge in health messages. Default: "coap".
	ID string

	// Version is the gateway software version.
	Version string

	// Endpoint is the device address, used to render resource URIs.
	Endpoint Endpoint

	// Controller executes LED commands.
	Controller LEDController

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Notifier delivers readings to publish as state. Optional.
	Notifier *Notifier

	// Exchanges and Transport provide statistics for health reporting.
	Exchanges ExchangeStatsSource
	Transport TransportStatsSource

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge connects the gateway to MQTT.
// It handles:
//   - LED commands received on coapgw/command/coap/LED, acknowledged on the ack topic
//   - Publishing every reading as retained state
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id         string
	endpoint   Endpoint
	controller LEDController
	mqtt       MQTTClient
	notifier   *Notifier
	health     *HealthReporter

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64

	// Shutdown coordination
	stopped   atomic.Bool
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.ID == "" {
		opts.ID = protocolName
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:         opts.ID,
		endpoint:   opts.Endpoint,
		controller: opts.Controller,
		mqtt:       opts.MQTTClient,
		notifier:   opts.Notifier,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	var readings ReadingStatsSource
	if opts.Notifier != nil {
		readings = opts.Notifier
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.ID,
		Version:   opts.Version,
		Address:   opts.Endpoint.String(),
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Exchanges: opts.Exchanges,
		Transport: opts.Transport,
		Readings:  readings,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to command topics, begins publishing readings as state
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.notifier != nil {
		b.notifier.Subscribe(ObserverFunc(b.publishState))
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.id,
		"device", b.endpoint.String())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		// Publishes "stopping" status
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// handleMQTTMessage routes an incoming command to its resource handler.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if b.stopped.Load() {
		return
	}

	resource, err := ResourceFromTopic(topic)
	if err != nil {
		b.logError("invalid command topic", err)
		return
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		b.logError("failed to parse command", err)
		return
	}
	b.commandsReceived.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"resource", string(resource),
		"command", cmd.Command)

	if !resource.Writable() {
		b.publishAckError(cmd, resource, ErrCodeInvalidCommand,
			fmt.Sprintf("resource %s is read-only", resource))
		return
	}

	b.executeCommand(cmd, resource)
}

// executeCommand sends an LED command and acknowledges the outcome.
func (b *Bridge) executeCommand(cmd CommandMessage, resource Resource) {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	ctx = WithSource(ctx, SourceMQTT)

	result, err := b.controller.SetLEDState(ctx, cmd.Command)
	if err != nil {
		failure := AsFailure(err)
		b.publishAckError(cmd, resource, errorCodeFor(failure.Kind), failure.Message)
		return
	}

	b.publishAck(cmd, resource, result.Message)
}

// parseCommand accepts a JSON CommandMessage or a bare command string.
func parseCommand(payload []byte) (CommandMessage, error) {
	var cmd CommandMessage

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return cmd, errors.New("empty command payload")
	}

	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return cmd, fmt.Errorf("unmarshal command message: %w", err)
		}
	} else {
		cmd.Command = trimmed
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	return cmd, nil
}

// publishAck publishes a successful command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, resource Resource, reply string) {
	b.publishJSON(AckTopic(resource), NewAckMessage(cmd, resource, b.endpoint.URI(resource), reply), false)
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, resource Resource, code, message string) {
	b.commandsFailed.Add(1)
	b.publishJSON(AckTopic(resource), NewAckError(cmd, resource, b.endpoint.URI(resource), code, message), false)

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// publishState publishes a reading as retained state.
func (b *Bridge) publishState(r Reading) {
	if b.stopped.Load() {
		return
	}
	if b.publishJSON(StateTopic(r.Resource), NewStateMessage(r, b.endpoint.URI(r.Resource)), true) {
		b.statesPublished.Add(1)
	}
}

func (b *Bridge) publishJSON(topic string, msg any, retained bool) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal message", err)
		return false
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish message", fmt.Errorf("topic %s: %w", topic, err))
		return false
	}
	return true
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected        bool
	Status           string
	CommandsReceived uint64
	CommandsFailed   uint64
	StatesPublished  uint64
}

// GetMetrics returns current bridge metrics for the API metrics endpoint.
func (b *Bridge) GetMetrics() BridgeMetrics {
	connected := b.mqtt.IsConnected()
	status, _ := b.health.determineStatus()

	return BridgeMetrics{
		Connected:        connected,
		Status:           string(status),
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
	}
}

// SetLogger sets the logger.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
