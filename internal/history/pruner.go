package history

import (
	"context"
	"sync"
	"time"
)

const (
	// defaultPruneInterval is how often expired entries are deleted.
	defaultPruneInterval = time.Hour

	// writeTimeout bounds a single Recorder insert.
	writeTimeout = 2 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Recorder writes entries synchronously with a bounded timeout and logs
// failures instead of returning them. It is meant to run on a reading
// observer goroutine.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a Recorder. logger may be nil.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Save records e.
func (r *Recorder) Save(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.repo.Record(ctx, e); err != nil && r.logger != nil {
		r.logger.Warn("recording reading failed", "resource", e.Resource, "error", err)
	}
}

// Pruner periodically deletes entries older than a retention period.
type Pruner struct {
	repo      Repository
	retention time.Duration
	interval  time.Duration
	logger    Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner creates a Pruner. interval defaults to one hour.
func NewPruner(repo Repository, retention, interval time.Duration, logger Logger) *Pruner {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Start prunes once immediately, then every interval until Stop or ctx is done.
// A zero retention keeps everything and Start does nothing.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.prune(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.prune(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.repo.Prune(ctx, p.retention)
	if p.logger == nil {
		return
	}
	switch {
	case err != nil:
		p.logger.Warn("pruning reading history failed", "error", err)
	case n > 0:
		p.logger.Info("reading history pruned", "deleted", n, "retention", p.retention.String())
	}
}
