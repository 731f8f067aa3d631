package coap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var errConnClosed = errors.New("use of closed connection")

// behaviour scripts the device's answer to one request.
type behaviour func(ctx context.Context, req Request) (Response, error)

func reply(code codes.Code, payload string) behaviour {
	return func(context.Context, Request) (Response, error) {
		return Response{Code: code, Payload: []byte(payload)}, nil
	}
}

func content(payload string) behaviour {
	return reply(codes.Content, payload)
}

func hang() behaviour {
	return func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
}

func failWith(err error) behaviour {
	return func(context.Context, Request) (Response, error) {
		return Response{}, err
	}
}

func delayed(d time.Duration, next behaviour) behaviour {
	return func(ctx context.Context, req Request) (Response, error) {
		select {
		case <-time.After(d):
			return next(ctx, req)
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// fakeDevice is an in-memory device reachable through fakeDevice.Dial.
type fakeDevice struct {
	mu        sync.Mutex
	handlers  map[Resource][]behaviour
	requests  []Request
	dialErr   error
	conns     []*fakeConn
	inFlight  int
	maxFlight int

	dials atomic.Int64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{handlers: make(map[Resource][]behaviour)}
}

// on queues behaviours for a resource. The last one repeats.
func (d *fakeDevice) on(resource Resource, b ...behaviour) *fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[resource] = append(d.handlers[resource], b...)
	return d
}

func (d *fakeDevice) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDevice) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dials.Add(1)
	c := &fakeConn{device: d}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDevice) next(resource Resource) behaviour {
	d.mu.Lock()
	defer d.mu.Unlock()
	queue := d.handlers[resource]
	if len(queue) == 0 {
		return reply(codes.NotFound, "")
	}
	b := queue[0]
	if len(queue) > 1 {
		d.handlers[resource] = queue[1:]
	}
	return b
}

func (d *fakeDevice) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDevice) lastRequest() Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return Request{}
	}
	return d.requests[len(d.requests)-1]
}

func (d *fakeDevice) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := 0
	for _, c := range d.conns {
		if !c.closed.Load() {
			open++
		}
	}
	return open
}

func (d *fakeDevice) maxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFlight
}

// fakeConn is a connection to a fakeDevice.
type fakeConn struct {
	device *fakeDevice
	closed atomic.Bool
}

func (c *fakeConn) Exchange(ctx context.Context, req Request) (Response, error) {
	if c.closed.Load() {
		return Response{}, errConnClosed
	}

	d := c.device
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.inFlight++
	if d.inFlight > d.maxFlight {
		d.maxFlight = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	return d.next(req.Resource)(ctx, req)
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// mockSender implements Sender for testing.
type mockSender struct {
	mu      sync.Mutex
	calls   []sentRequest
	payload []byte
	err     error
}

type sentRequest struct {
	Resource Resource
	Verb     Verb
	Payload  []byte
}

func (m *mockSender) Send(_ context.Context, resource Resource, verb Verb, payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sentRequest{Resource: resource, Verb: verb, Payload: payload})
	if m.err != nil {
		return nil, m.err
	}
	return m.payload, nil
}

func (m *mockSender) getCalls() []sentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]sentRequest, len(m.calls))
	copy(result, m.calls)
	return result
}

// recordingPublisher implements ReadingPublisher for testing.
type recordingPublisher struct {
	mu       sync.Mutex
	readings []Reading
}

func (p *recordingPublisher) Publish(r Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
}

func (p *recordingPublisher) getReadings() []Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Reading, len(p.readings))
	copy(result, p.readings)
	return result
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	connected bool
	handlers  map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublish, len(m.published))
	copy(result, m.published)
	return result
}

// publishedTo returns messages published on topic.
func (m *MockMQTTClient) publishedTo(topic string) []mockPublish {
	var result []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			result = append(result, p)
		}
	}
	return result
}

// SimulateMessage delivers a message to the handler subscribed with pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
