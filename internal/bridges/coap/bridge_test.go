package coap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// mockController implements LEDController for testing.
type mockController struct {
	mu       sync.Mutex
	commands []string
	sources  []string
	result   LEDControl
	err      error
}

func (m *mockController) SetLEDState(ctx context.Context, command string) (LEDControl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command)
	m.sources = append(m.sources, SourceFromContext(ctx))
	if m.err != nil {
		return LEDControl{}, m.err
	}
	return m.result, nil
}

func newTestBridge(t *testing.T, controller LEDController) (*Bridge, *MockMQTTClient) {
	t.Helper()

	endpoint, _ := NewEndpoint("192.0.2.10", DefaultDevicePort)
	mqtt := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{
		Version:        "test",
		Endpoint:       endpoint,
		Controller:     controller,
		MQTTClient:     mqtt,
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, mqtt
}

func decodeAck(t *testing.T, p mockPublish) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(p.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func TestNewBridge_Validation(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{MQTTClient: NewMockMQTTClient()}); err == nil {
		t.Error("NewBridge() without controller expected error")
	}
	if _, err := NewBridge(BridgeOptions{Controller: &mockController{}}); err == nil {
		t.Error("NewBridge() without MQTT client expected error")
	}
}

func TestBridge_StartPublishesHealthAndSubscribes(t *testing.T) {
	_, mqtt := newTestBridge(t, &mockController{})

	health := mqtt.publishedTo(HealthTopic())
	if len(health) == 0 {
		t.Fatal("no health message published on start")
	}
	var msg HealthMessage
	if err := json.Unmarshal(health[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if msg.Status != HealthStarting {
		t.Errorf("first health status = %q, want %q", msg.Status, HealthStarting)
	}
	if !health[0].Retained {
		t.Error("health message should be retained")
	}

	mqtt.mu.Lock()
	_, subscribed := mqtt.handlers[CommandSubscribeTopic()]
	mqtt.mu.Unlock()
	if !subscribed {
		t.Errorf("not subscribed to %s", CommandSubscribeTopic())
	}
}

func TestBridge_HandleCommand_Success(t *testing.T) {
	controller := &mockController{result: LEDControl{Result: "ok", Message: "ok merci", LED: LEDOn}}
	_, mqtt := newTestBridge(t, controller)

	payload := []byte(`{"id":"cmd-1","command":"On","source":"automation"}`)
	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), payload)

	acks := mqtt.publishedTo(AckTopic(ResourceLED))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.CommandID != "cmd-1" || ack.Status != AckAccepted || ack.Reply != "ok merci" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Address != "coap://192.0.2.10:5683/LED" {
		t.Errorf("ack address = %q", ack.Address)
	}

	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.commands) != 1 || controller.commands[0] != "On" {
		t.Errorf("commands = %v, want [On]", controller.commands)
	}
	if controller.sources[0] != SourceMQTT {
		t.Errorf("source = %q, want %q", controller.sources[0], SourceMQTT)
	}
}

func TestBridge_HandleCommand_PlainText(t *testing.T) {
	controller := &mockController{result: LEDControl{Result: "ok", Message: "ok merci", LED: LEDOff}}
	_, mqtt := newTestBridge(t, controller)

	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte("Off\n"))

	acks := mqtt.publishedTo(AckTopic(ResourceLED))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	ack := decodeAck(t, acks[0])
	if ack.CommandID == "" {
		t.Error("generated command ID is empty")
	}
	if ack.Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", ack.Status, AckAccepted)
	}
}

func TestBridge_HandleCommand_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus AckStatus
		wantCode   string
	}{
		{
			name:       "invalid command",
			err:        newFailure(KindInvalidCommand, ResourceLED, MsgInvalidCommand, ErrInvalidCommand),
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidCommand,
		},
		{
			name:       "timeout",
			err:        newFailure(KindTimeout, ResourceLED, MsgLEDControlFailed, context.DeadlineExceeded),
			wantStatus: AckTimeout,
			wantCode:   ErrCodeTimeout,
		},
		{
			name:       "unreachable",
			err:        newFailure(KindTransport, ResourceLED, MsgLEDControlFailed, nil),
			wantStatus: AckFailed,
			wantCode:   ErrCodeDeviceUnreachable,
		},
		{
			name:       "decode",
			err:        newFailure(KindDecode, ResourceLED, MsgLEDControlFailed, nil),
			wantStatus: AckFailed,
			wantCode:   ErrCodeProtocolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mqtt := newTestBridge(t, &mockController{err: tt.err})

			mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte(`{"id":"c","command":"On"}`))

			acks := mqtt.publishedTo(AckTopic(ResourceLED))
			if len(acks) != 1 {
				t.Fatalf("acks = %d, want 1", len(acks))
			}
			ack := decodeAck(t, acks[0])
			if ack.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", ack.Status, tt.wantStatus)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("Error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if got := b.GetMetrics().CommandsFailed; got != 1 {
				t.Errorf("CommandsFailed = %d, want 1", got)
			}
		})
	}
}

func TestBridge_HandleCommand_ReadOnlyResource(t *testing.T) {
	controller := &mockController{}
	_, mqtt := newTestBridge(t, controller)

	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceTemperature), []byte("On"))

	acks := mqtt.publishedTo(AckTopic(ResourceTemperature))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	if ack := decodeAck(t, acks[0]); ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack = %+v, want INVALID_COMMAND", ack)
	}
	controller.mu.Lock()
	defer controller.mu.Unlock()
	if len(controller.commands) != 0 {
		t.Errorf("controller called %d times for read-only resource", len(controller.commands))
	}
}

func TestBridge_HandleCommand_Ignored(t *testing.T) {
	controller := &mockController{}
	_, mqtt := newTestBridge(t, controller)

	mqtt.SimulateMessage(CommandSubscribeTopic(), "coapgw/command/coap/humidity", []byte("On"))
	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte("   "))
	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte("{broken"))

	if got := len(mqtt.publishedTo(AckTopic(ResourceLED))); got != 0 {
		t.Errorf("acks = %d, want 0 for unparseable commands", got)
	}
}

func TestBridge_PublishesStateFromReadings(t *testing.T) {
	endpoint, _ := NewEndpoint("192.0.2.10", DefaultDevicePort)
	mqtt := NewMockMQTTClient()
	notifier := NewNotifier(1, nil)
	defer notifier.Stop()

	b, err := NewBridge(BridgeOptions{
		Endpoint:       endpoint,
		Controller:     &mockController{},
		MQTTClient:     mqtt,
		Notifier:       notifier,
		HealthInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	notifier.Publish(Reading{Resource: ResourceTemperature, Value: 22.5, Source: SourcePoller})

	topic := StateTopic(ResourceTemperature)
	if !waitFor(time.Second, func() bool { return len(mqtt.publishedTo(topic)) == 1 }) {
		t.Fatalf("no state published on %s", topic)
	}

	p := mqtt.publishedTo(topic)[0]
	if !p.Retained || p.QoS != 1 {
		t.Errorf("state QoS/retained = %d/%v, want 1/true", p.QoS, p.Retained)
	}
	var msg StateMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.State["temperature_c"] != 22.5 || msg.Source != SourcePoller {
		t.Errorf("state = %+v", msg)
	}
	if got := b.GetMetrics().StatesPublished; got != 1 {
		t.Errorf("StatesPublished = %d, want 1", got)
	}
}

func TestBridge_EndToEndWithGateway(t *testing.T) {
	d := newFakeDevice().on(ResourceLED, reply(codes.Created, "ok merci"))
	gw, _ := newTestGateway(t, d, time.Second)
	_, mqtt := newTestBridge(t, gw)

	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte(`{"id":"e2e","command":"On"}`))

	acks := mqtt.publishedTo(AckTopic(ResourceLED))
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	if ack := decodeAck(t, acks[0]); ack.Status != AckAccepted {
		t.Errorf("ack = %+v, want accepted", ack)
	}
	if req := d.lastRequest(); string(req.Payload) != "On" {
		t.Errorf("device payload = %q, want On", req.Payload)
	}
}

func TestBridge_StopPublishesStopping(t *testing.T) {
	b, mqtt := newTestBridge(t, &mockController{})
	b.Stop()
	b.Stop()

	health := mqtt.publishedTo(HealthTopic())
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health status = %q, want %q", last.Status, HealthStopping)
	}

	mqtt.SimulateMessage(CommandSubscribeTopic(), CommandTopic(ResourceLED), []byte("On"))
	if got := len(mqtt.publishedTo(AckTopic(ResourceLED))); got != 0 {
		t.Errorf("acks after Stop = %d, want 0", got)
	}
}
