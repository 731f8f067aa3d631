package coap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Reading sources recorded with every reading.
const (
	SourceAPI     = "api"
	SourceMQTT    = "mqtt"
	SourcePoller  = "poller"
	SourceUnknown = "unknown"
)

const (
	// notifyQueueSize is the buffer size for the reading queue.
	notifyQueueSize = 100

	// defaultNotifyWorkers keeps readings in arrival order.
	defaultNotifyWorkers = 1
)

// Reading is a decoded value obtained from the device.
type Reading struct {
	Resource  Resource  `json:"resource"`
	Value     float64   `json:"value"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer consumes readings.
type Observer interface {
	OnReading(r Reading)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r Reading)

// OnReading implements Observer.
func (f ObserverFunc) OnReading(r Reading) { f(r) }

type sourceKey struct{}

// WithSource returns a context tagging readings with source.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the reading source carried by ctx.
func SourceFromContext(ctx context.Context) string {
	if source, ok := ctx.Value(sourceKey{}).(string); ok && source != "" {
		return source
	}
	return SourceUnknown
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// NotifierStats holds delivery counters.
type NotifierStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Notifier fans readings out to observers off the request path.
//
// Publish never blocks: readings go into a bounded queue served by a small
// worker pool and are dropped when the queue is full. A panicking observer
// is recovered and does not affect other observers.
type Notifier struct {
	queue chan Reading

	observersMu sync.RWMutex
	observers   []Observer

	// stateMu orders Publish against Stop: once Stop holds it, no reading
	// can enter the queue behind the final drain.
	stateMu sync.RWMutex
	stopped bool

	done *closeOnce
	wg   sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// Ensure Notifier implements ReadingPublisher.
var _ ReadingPublisher = (*Notifier)(nil)

// NewNotifier creates a Notifier and starts its workers. workers <= 0 uses
// a single worker.
func NewNotifier(workers int, logger Logger) *Notifier {
	if workers <= 0 {
		workers = defaultNotifyWorkers
	}
	n := &Notifier{
		queue:  make(chan Reading, notifyQueueSize),
		done:   newCloseOnce(),
		logger: logger,
	}

	n.wg.Add(workers)
	for range workers {
		go n.worker()
	}
	return n
}

// Subscribe registers an observer for all subsequent readings.
func (n *Notifier) Subscribe(o Observer) {
	n.observersMu.Lock()
	n.observers = append(n.observers, o)
	n.observersMu.Unlock()
}

// Publish queues a reading. It drops the reading if the queue is full or the
// notifier is stopped.
func (n *Notifier) Publish(r Reading) {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()

	if n.stopped {
		n.dropped.Add(1)
		return
	}
	n.published.Add(1)

	select {
	case n.queue <- r:
	default:
		n.dropped.Add(1)
		n.logWarn("reading queue full, dropping reading", "resource", string(r.Resource))
	}
}

// Stop stops the workers after delivering queued readings. Safe to call more
// than once.
func (n *Notifier) Stop() {
	n.stateMu.Lock()
	n.stopped = true
	n.stateMu.Unlock()

	n.done.Close()
	n.wg.Wait()
}

// Stats returns delivery counters.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		Published: n.published.Load(),
		Delivered: n.delivered.Load(),
		Dropped:   n.dropped.Load(),
		Panics:    n.panics.Load(),
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done.Done():
			n.drain()
			return
		case r := <-n.queue:
			n.deliver(r)
		}
	}
}

// drain delivers whatever is still queued at shutdown.
func (n *Notifier) drain() {
	for {
		select {
		case r := <-n.queue:
			n.deliver(r)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(r Reading) {
	n.observersMu.RLock()
	observers := make([]Observer, len(n.observers))
	copy(observers, n.observers)
	n.observersMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					n.panics.Add(1)
					n.logError("reading observer panic", fmt.Errorf("%v", rec))
				}
			}()
			o.OnReading(r)
		}()
	}
	n.delivered.Add(1)
}

func (n *Notifier) getLogger() Logger {
	n.loggerMu.RLock()
	defer n.loggerMu.RUnlock()
	return n.logger
}

func (n *Notifier) logWarn(msg string, keysAndValues ...any) {
	if logger := n.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (n *Notifier) logError(msg string, err error) {
	if logger := n.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
