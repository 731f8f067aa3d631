package coap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultPollInterval matches the dashboard's fastest refresh.
	defaultPollInterval = 3 * time.Second

	// interReadDelay spaces reads so the device is not flooded.
	interReadDelay = 50 * time.Millisecond
)

// ResourceReader reads a resource. *Gateway implements it.
type ResourceReader interface {
	Read(ctx context.Context, resource Resource) (any, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Reader performs the reads. Required.
	Reader ResourceReader

	// Interval between poll rounds. Default: 3s.
	Interval time.Duration

	// Resources to read each round. Default: all resources.
	Resources []Resource

	// Logger is optional.
	Logger Logger
}

// PollerStats holds poll counters.
type PollerStats struct {
	Rounds   uint64 `json:"rounds"`
	Reads    uint64 `json:"reads"`
	Failures uint64 `json:"failures"`
}

// Poller periodically reads device resources through the gateway so that
// readings flow to observers without client traffic.
type Poller struct {
	reader    ResourceReader
	interval  time.Duration
	resources []Resource

	rounds   atomic.Uint64
	reads    atomic.Uint64
	failures atomic.Uint64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewPoller creates a Poller. Call Start to begin polling.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	resources := cfg.Resources
	if len(resources) == 0 {
		resources = Resources()
	}
	return &Poller{
		reader:    cfg.Reader,
		interval:  interval,
		resources: resources,
		done:      make(chan struct{}),
		logger:    cfg.Logger,
	}
}

// Start begins polling until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops polling and waits for the current round to finish.
// Safe to call multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// Stats returns poll counters.
func (p *Poller) Stats() PollerStats {
	return PollerStats{
		Rounds:   p.rounds.Load(),
		Reads:    p.reads.Load(),
		Failures: p.failures.Load(),
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(WithSource(ctx, SourcePoller))
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce reads every configured resource once.
func (p *Poller) pollOnce(ctx context.Context) {
	p.rounds.Add(1)

	for i, resource := range p.resources {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interReadDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}

		p.reads.Add(1)
		if _, err := p.reader.Read(ctx, resource); err != nil {
			p.failures.Add(1)
			if p.logger != nil {
				p.logger.Debug("poll read failed", "resource", string(resource), "error", err)
			}
		}
	}
}
