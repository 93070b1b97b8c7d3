// Package periodic runs a function on a fixed interval without overlapping runs.
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Func is one unit of periodic work.
type Func func(ctx context.Context) error

// Runner calls a Func every Interval until stopped.
type Runner struct {
	name     string
	interval time.Duration
	fn       Func

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a Runner. name is used in logs only.
func New(name string, interval time.Duration, fn Func) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
	}
}

// Start begins ticking in the background. The first run happens after one interval.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("starting periodic runner", "name", r.name, "interval", r.interval)

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("periodic runner stopped", "name", r.name)
}

// RunOnce executes fn unless a run is already in progress.
// It reports whether fn was executed.
func (r *Runner) RunOnce(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		slog.Debug("previous run still in progress, skipping", "name", r.name)
		return false
	}
	defer r.running.Store(false)

	if err := r.fn(ctx); err != nil {
		slog.Error("periodic run failed", "name", r.name, "error", err)
	}
	return true
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
