package coap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// defaultExchangeTimeout bounds each attempt when no timeout is configured.
const defaultExchangeTimeout = 5 * time.Second

// Exchange records one request/response pair sent through the dispatcher.
type Exchange struct {
	ID        string
	Verb      Verb
	Resource  Resource
	URI       string
	Payload   []byte
	StartedAt time.Time
	Duration  time.Duration
	Attempts  int
	Response  []byte
	Err       *Failure
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Endpoint is the device address.
	Endpoint Endpoint

	// Transport provides scoped connections.
	Transport TransportManager

	// Timeout bounds each attempt. Default: 5s.
	Timeout time.Duration

	// Retry controls retries. The zero value makes a single attempt.
	Retry RetryPolicy

	// OnExchange is called with every completed exchange. It runs on the
	// caller's goroutine and must not block. Optional.
	OnExchange func(Exchange)

	// Logger is optional.
	Logger Logger
}

// DispatcherStats holds exchange counters.
type DispatcherStats struct {
	Exchanges   uint64    `json:"exchanges"`
	Successes   uint64    `json:"successes"`
	Failures    uint64    `json:"failures"`
	Timeouts    uint64    `json:"timeouts"`
	Retries     uint64    `json:"retries"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Dispatcher sends requests to the device and classifies their outcome.
//
// It is the only component that turns transport errors into Failure kinds.
// Every attempt runs inside TransportManager.WithConn and is bounded by its
// own timeout, so a slow device can never hold a connection indefinitely.
type Dispatcher struct {
	endpoint  Endpoint
	transport TransportManager
	timeout   time.Duration
	retry     RetryPolicy
	observe   func(Exchange)

	exchanges   atomic.Uint64
	successes   atomic.Uint64
	failures    atomic.Uint64
	timeouts    atomic.Uint64
	retries     atomic.Uint64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64

	lastErrMu sync.RWMutex
	lastErr   string

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Endpoint.Host() == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultExchangeTimeout
	}

	return &Dispatcher{
		endpoint:  opts.Endpoint,
		transport: opts.Transport,
		timeout:   opts.Timeout,
		retry:     opts.Retry.normalized(),
		observe:   opts.OnExchange,
		logger:    opts.Logger,
	}, nil
}

// Endpoint returns the device endpoint.
func (d *Dispatcher) Endpoint() Endpoint {
	return d.endpoint
}

// Send performs one logical request and returns the response payload.
//
// Errors are always *Failure with kind KindTimeout, KindTransport or, for a
// malformed request, KindTransport wrapping the validation error. Decoding
// the payload is left to the caller.
func (d *Dispatcher) Send(ctx context.Context, resource Resource, verb Verb, payload []byte) ([]byte, error) {
	ex := d.Do(ctx, resource, verb, payload)
	if ex.Err != nil {
		return nil, ex.Err
	}
	return ex.Response, nil
}

// Do performs one logical request and returns the full exchange record.
func (d *Dispatcher) Do(ctx context.Context, resource Resource, verb Verb, payload []byte) Exchange {
	ex := Exchange{
		ID:        uuid.NewString(),
		Verb:      verb,
		Resource:  resource,
		URI:       d.endpoint.URI(resource),
		Payload:   payload,
		StartedAt: time.Now(),
	}

	if err := validateRequest(resource, verb); err != nil {
		ex.Err = newFailure(KindTransport, resource, "invalid request", err)
		d.record(&ex)
		return ex
	}

	delay := d.retry.InitialDelay
	for attempt := 1; ; attempt++ {
		ex.Attempts = attempt
		resp, failure := d.attempt(ctx, Request{Verb: verb, Resource: resource, Payload: payload})
		if failure == nil {
			ex.Response = resp.Payload
			ex.Err = nil
			break
		}
		ex.Err = failure

		if attempt >= d.retry.MaxAttempts || !retryable(failure.Kind) || ctx.Err() != nil {
			break
		}

		d.retries.Add(1)
		d.logDebug("retrying coap exchange",
			"id", ex.ID,
			"uri", ex.URI,
			"attempt", attempt+1,
			"error", failure,
		)
		if !wait(ctx, d.retry.sleepDuration(delay)) {
			break
		}
		delay = d.retry.next(delay)
	}

	ex.Duration = time.Since(ex.StartedAt)
	d.record(&ex)
	return ex
}

// attempt runs a single bounded exchange.
func (d *Dispatcher) attempt(ctx context.Context, req Request) (Response, *Failure) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var resp Response
	err := d.transport.WithConn(attemptCtx, func(conn Conn) error {
		r, err := conn.Exchange(attemptCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Response{}, classify(attemptCtx, req.Resource, err)
	}

	if !resp.Success() {
		return resp, newFailure(KindTransport, req.Resource, "device rejected request",
			fmt.Errorf("%w: device answered %v", ErrTransport, resp.Code))
	}
	if len(resp.Payload) == 0 {
		return resp, newFailure(KindTransport, req.Resource, "device returned no payload", ErrEmptyResponse)
	}
	return resp, nil
}

// classify maps a transport-level error to a Failure.
func classify(ctx context.Context, resource Resource, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || isNetTimeout(err) {
		return newFailure(KindTimeout, resource, "device did not answer in time", err)
	}
	if errors.Is(err, context.Canceled) {
		return newFailure(KindTransport, resource, "request cancelled", err)
	}
	return newFailure(KindTransport, resource, "device unreachable", err)
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// validateRequest rejects requests outside the device's resource namespace.
func validateRequest(resource Resource, verb Verb) error {
	if !resource.Valid() {
		return fmt.Errorf("unknown resource %q", resource)
	}
	switch verb {
	case VerbGet:
		return nil
	case VerbPost:
		if !resource.Writable() {
			return fmt.Errorf("resource %q does not accept %s", resource, verb)
		}
		return nil
	default:
		return fmt.Errorf("unsupported verb %q", verb)
	}
}

// record updates counters and logs the outcome.
func (d *Dispatcher) record(ex *Exchange) {
	d.exchanges.Add(1)
	now := time.Now().UnixNano()
	if d.observe != nil {
		defer d.observe(*ex)
	}

	if ex.Err == nil {
		d.successes.Add(1)
		d.lastSuccess.Store(now)
		d.logDebug("coap exchange completed",
			"id", ex.ID,
			"verb", string(ex.Verb),
			"uri", ex.URI,
			"attempts", ex.Attempts,
			"duration", ex.Duration,
		)
		return
	}

	d.failures.Add(1)
	if ex.Err.Kind == KindTimeout {
		d.timeouts.Add(1)
	}
	d.lastFailure.Store(now)

	d.lastErrMu.Lock()
	d.lastErr = ex.Err.Error()
	d.lastErrMu.Unlock()

	d.logWarn("coap exchange failed",
		"id", ex.ID,
		"verb", string(ex.Verb),
		"uri", ex.URI,
		"kind", string(ex.Err.Kind),
		"attempts", ex.Attempts,
		"error", ex.Err,
	)
}

// Stats returns exchange counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.lastErrMu.RLock()
	lastErr := d.lastErr
	d.lastErrMu.RUnlock()

	return DispatcherStats{
		Exchanges:   d.exchanges.Load(),
		Successes:   d.successes.Load(),
		Failures:    d.failures.Load(),
		Timeouts:    d.timeouts.Load(),
		Retries:     d.retries.Load(),
		LastSuccess: unixNanoTime(d.lastSuccess.Load()),
		LastFailure: unixNanoTime(d.lastFailure.Load()),
		LastError:   lastErr,
	}
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetLogger sets the logger.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
