package coap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// TransportPolicy selects how CoAP connections are managed.
type TransportPolicy string

const (
	// PolicyShared keeps one lazily dialled connection for all exchanges.
	// Concurrent exchanges are bounded by MaxInFlight and the connection is
	// replaced after a connection-level error.
	PolicyShared TransportPolicy = "shared"

	// PolicyPerExchange dials a new connection for every exchange and closes
	// it afterwards.
	PolicyPerExchange TransportPolicy = "per_exchange"
)

// DefaultMaxInFlight bounds concurrent exchanges on the shared connection.
// The go-coap client matches answers by token, so exchanges on one
// connection do not wait for each other.
const DefaultMaxInFlight = 8

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// TransportManager owns the lifecycle of CoAP connections.
//
// WithConn is the only way to obtain a connection: the connection is valid
// for the duration of fn and released on every exit path. An error returned
// by fn other than the expiry of ctx marks the connection as failed; it is
// discarded and never handed out again.
type TransportManager interface {
	WithConn(ctx context.Context, fn func(Conn) error) error
	Stats() TransportStats
	Close() error
}

// TransportStats holds connection lifecycle counters.
type TransportStats struct {
	Policy       TransportPolicy `json:"policy"`
	Connected    bool            `json:"connected"`
	Dials        uint64          `json:"dials"`
	DialFailures uint64          `json:"dial_failures"`
	Discards     uint64          `json:"discards"`
	InFlight     int64           `json:"in_flight"`
}

// TransportConfig configures NewTransport.
type TransportConfig struct {
	// Policy is the lifecycle policy. Default: PolicyShared.
	Policy TransportPolicy

	// Address is the device host:port.
	Address string

	// MaxInFlight bounds concurrent exchanges on the shared connection.
	// Default: DefaultMaxInFlight. 1 serialises every exchange.
	MaxInFlight int

	// Dial creates connections. Default: DialUDP.
	Dial DialFunc

	// Logger is optional.
	Logger Logger
}

// NewTransport creates a TransportManager for the configured policy.
func NewTransport(cfg TransportConfig) (TransportManager, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("transport address is required")
	}
	if cfg.Dial == nil {
		cfg.Dial = DialUDP
	}

	switch cfg.Policy {
	case PolicyShared, "":
		return NewSharedTransport(cfg), nil
	case PolicyPerExchange:
		return NewPerExchangeTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport policy %q (use %s or %s)", cfg.Policy, PolicyShared, PolicyPerExchange)
	}
}

// transportCounters are shared by both policies.
type transportCounters struct {
	dials        atomic.Uint64
	dialFailures atomic.Uint64
	discards     atomic.Uint64
	inFlight     atomic.Int64
}

// dial runs the dial function and records the outcome.
func (c *transportCounters) dial(ctx context.Context, dial DialFunc, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := dial(ctx, address)
	if err != nil {
		c.dialFailures.Add(1)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, address, err)
	}
	c.dials.Add(1)
	return conn, nil
}

// SharedTransport holds a single long-lived connection.
//
// The connection is dialled on first use and multiplexes up to MaxInFlight
// exchanges. A request whose context expires leaves it in place; any other
// exchange error retires it. A retired connection is closed once its last
// in-flight exchange returns, and the next WithConn dials again.
type SharedTransport struct {
	address string
	dial    DialFunc

	// slots bounds in-flight exchanges.
	slots chan struct{}

	mu     sync.Mutex
	conn   *sharedConn
	closed bool

	counters transportCounters

	logger   Logger
	loggerMu sync.RWMutex
}

// sharedConn is a connection with its in-flight user count.
// users and retired are guarded by SharedTransport.mu.
type sharedConn struct {
	Conn
	users   int
	retired bool
}

// Ensure both policies implement TransportManager.
var (
	_ TransportManager = (*SharedTransport)(nil)
	_ TransportManager = (*PerExchangeTransport)(nil)
)

// NewSharedTransport creates a shared transport. No connection is opened
// until the first exchange.
func NewSharedTransport(cfg TransportConfig) *SharedTransport {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialUDP
	}
	return &SharedTransport{
		address: cfg.Address,
		dial:    dial,
		slots:   make(chan struct{}, maxInFlight),
		logger:  cfg.Logger,
	}
}

// WithConn runs fn with the shared connection.
func (t *SharedTransport) WithConn(ctx context.Context, fn func(Conn) error) (err error) {
	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.slots }()

	sc, err := t.acquire(ctx)
	if err != nil {
		return err
	}

	t.counters.inFlight.Add(1)
	defer func() {
		t.counters.inFlight.Add(-1)
		t.release(ctx, sc, err)
	}()

	err = fn(sc.Conn)
	return err
}

// acquire returns the live connection, dialling one if needed, and counts
// the caller as a user.
func (t *SharedTransport) acquire(ctx context.Context) (*sharedConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.conn == nil {
		conn, err := t.counters.dial(ctx, t.dial, t.address)
		if err != nil {
			return nil, err
		}
		t.conn = &sharedConn{Conn: conn}
		t.logDebug("coap connection opened", "address", t.address)
	}
	t.conn.users++
	return t.conn, nil
}

// release drops the caller's use of sc. A connection-level error retires sc
// so no later exchange is handed it; the socket itself is closed only when
// no exchange is using it any more.
func (t *SharedTransport) release(ctx context.Context, sc *sharedConn, err error) {
	t.mu.Lock()
	sc.users--
	discarded := false
	if err != nil && connectionFailed(ctx, err) && !sc.retired {
		sc.retired = true
		discarded = true
		if t.conn == sc {
			t.conn = nil
		}
	}
	closeNow := sc.retired && sc.users == 0
	t.mu.Unlock()

	if discarded {
		t.counters.discards.Add(1)
		t.logDebug("coap connection discarded", "address", t.address, "cause", err)
	}
	if closeNow {
		if closeErr := sc.Close(); closeErr != nil {
			t.logDebug("closing discarded connection", "error", closeErr)
		}
	}
}

// connectionFailed reports whether err leaves the connection unusable.
// An exchange that ran out of time or was cancelled does not: the request is
// abandoned and a late answer is dropped by token matching.
func connectionFailed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

// Stats returns connection counters.
func (t *SharedTransport) Stats() TransportStats {
	t.mu.Lock()
	connected := t.conn != nil
	t.mu.Unlock()

	return TransportStats{
		Policy:       PolicyShared,
		Connected:    connected,
		Dials:        t.counters.dials.Load(),
		DialFailures: t.counters.dialFailures.Load(),
		Discards:     t.counters.discards.Load(),
		InFlight:     t.counters.inFlight.Load(),
	}
}

// Close tears down the shared connection. Exchanges still in flight finish
// on it and the last one closes it. Further WithConn calls fail with
// ErrTransportClosed. Safe to call more than once.
func (t *SharedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	sc := t.conn
	t.conn = nil
	if sc == nil {
		t.mu.Unlock()
		return nil
	}
	sc.retired = true
	closeNow := sc.users == 0
	t.mu.Unlock()

	if !closeNow {
		return nil
	}
	if err := sc.Close(); err != nil {
		return fmt.Errorf("closing coap connection: %w", err)
	}
	return nil
}

// SetLogger sets the logger.
func (t *SharedTransport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *SharedTransport) logDebug(msg string, keysAndValues ...any) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// PerExchangeTransport dials a fresh connection for each exchange.
type PerExchangeTransport struct {
	address string
	dial    DialFunc
	closed  atomic.Bool

	counters transportCounters
}

// NewPerExchangeTransport creates a per-exchange transport.
func NewPerExchangeTransport(cfg TransportConfig) *PerExchangeTransport {
	dial := cfg.Dial
	if dial == nil {
		dial = DialUDP
	}
	return &PerExchangeTransport{
		address: cfg.Address,
		dial:    dial,
	}
}

// WithConn dials, runs fn and closes the connection.
func (t *PerExchangeTransport) WithConn(ctx context.Context, fn func(Conn) error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	conn, err := t.counters.dial(ctx, t.dial, t.address)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // single-use connection

	t.counters.inFlight.Add(1)
	defer t.counters.inFlight.Add(-1)

	if err := fn(conn); err != nil {
		t.counters.discards.Add(1)
		return err
	}
	return nil
}

// Stats returns connection counters.
func (t *PerExchangeTransport) Stats() TransportStats {
	return TransportStats{
		Policy:       PolicyPerExchange,
		Connected:    t.counters.inFlight.Load() > 0,
		Dials:        t.counters.dials.Load(),
		DialFailures: t.counters.dialFailures.Load(),
		Discards:     t.counters.discards.Load(),
		InFlight:     t.counters.inFlight.Load(),
	}
}

// Close stops further exchanges.
func (t *PerExchangeTransport) Close() error {
	t.closed.Store(true)
	return nil
}
