package coap

import (
	"fmt"
	"strings"
	"time"
)

// MQTT message types exchanged between the gateway and other subscribers.

// protocolName identifies this bridge in MQTT payloads and topics.
const protocolName = "coap"

// CommandMessage asks the bridge to write a resource.
// Topic: coapgw/command/coap/{resource}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued.
	Timestamp time.Time `json:"timestamp"`

	// Command is the value to write ("On" or "Off" for the LED).
	Command string `json:"command"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: coapgw/ack/coap/{resource}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Resource  Resource  `json:"resource"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the resource URI.
	Address string `json:"address"`

	// Reply is the device's reply text on success.
	Reply string `json:"reply,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// errorCodeFor maps a failure kind to an ack error code.
func errorCodeFor(kind FailureKind) string {
	switch kind {
	case KindInvalidCommand:
		return ErrCodeInvalidCommand
	case KindTimeout:
		return ErrCodeTimeout
	case KindDecode:
		return ErrCodeProtocolError
	case KindTransport:
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage reports the latest reading of a resource.
// Topic: coapgw/state/coap/{resource}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Resource  Resource       `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Source    string         `json:"source"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the device answers normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates recent exchanges are failing.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: coapgw/health/coap
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Device        *DeviceStatus     `json:"device,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// DeviceStatus describes reachability of the device.
type DeviceStatus struct {
	Address     string          `json:"address"`
	Policy      TransportPolicy `json:"policy"`
	Connected   bool            `json:"connected"`
	LastSuccess *time.Time      `json:"last_success,omitempty"`
	LastFailure *time.Time      `json:"last_failure,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	Exchanges       uint64 `json:"exchanges"`
	Failures        uint64 `json:"failures"`
	Timeouts        uint64 `json:"timeouts"`
	Retries         uint64 `json:"retries"`
	ReadingsDropped uint64 `json:"readings_dropped"`
}

// NewAckMessage creates a successful acknowledgment.
func NewAckMessage(cmd CommandMessage, resource Resource, address, reply string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Resource:  resource,
		Status:    AckAccepted,
		Protocol:  protocolName,
		Address:   address,
		Reply:     reply,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, resource Resource, address, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Resource:  resource,
		Status:    status,
		Protocol:  protocolName,
		Address:   address,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewStateMessage creates a state message from a reading.
func NewStateMessage(r Reading, address string) StateMessage {
	state := map[string]any{"value": r.Value}
	switch r.Resource {
	case ResourceLED:
		state["led"] = r.Text
		state["on"] = r.Value == 1
	case ResourceTemperature, ResourceAltTemperature:
		state["temperature_c"] = r.Value
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return StateMessage{
		Resource:  r.Resource,
		Timestamp: ts,
		State:     state,
		Source:    r.Source,
		Protocol:  protocolName,
		Address:   address,
	}
}

// NewLWTMessage creates the Last Will and Testament payload for MQTT.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all gateway messages.
const TopicPrefix = "coapgw"

// CommandTopic returns the command topic for a resource.
// Example: coapgw/command/coap/LED
func CommandTopic(resource Resource) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocolName, resource)
}

// AckTopic returns the acknowledgment topic for a resource.
// Example: coapgw/ack/coap/LED
func AckTopic(resource Resource) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocolName, resource)
}

// StateTopic returns the state topic for a resource.
// Example: coapgw/state/coap/temp
func StateTopic(resource Resource) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocolName, resource)
}

// HealthTopic returns the bridge health topic.
// Example: coapgw/health/coap
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocolName)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: coapgw/command/coap/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, protocolName)
}

// ResourceFromTopic extracts the resource from a command topic.
func ResourceFromTopic(topic string) (Resource, error) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, protocolName)
	name, ok := strings.CutPrefix(topic, prefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid command topic %q", topic)
	}
	return ParseResource(name)
}
