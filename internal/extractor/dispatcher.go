package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/metrics"
)

// Runner is the work a dispatcher job performs.
type Runner interface {
	Extract(ctx context.Context, userID string, history []Turn) (*Result, error)
}

type job struct {
	userID string
	turns  []Turn
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds each job.
	Timeout time.Duration
	// OnResult runs after every successful job, on the worker goroutine.
	OnResult func(ctx context.Context, res *Result)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Dispatcher runs extractions off the request path. Submitted jobs run at
// most once; a full queue drops the job.
type Dispatcher struct {
	runner Runner
	opts   DispatcherOptions
	jobs   chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(r Runner, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		runner: r,
		opts:   opts,
		jobs:   make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. Job contexts derive from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.jobs {
				d.opts.Metrics.QueueDepth(len(d.jobs))
				d.run(ctx, j)
			}
		}()
	}
	d.opts.Logger.Info("extraction dispatcher started", "workers", d.opts.Workers, "queue_size", d.opts.QueueSize)
}

// Submit queues an extraction without blocking. It reports false when the
// queue is full or the dispatcher is stopped.
func (d *Dispatcher) Submit(userID string, turns []Turn) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.opts.Metrics.Dropped()
		return false
	}

	history := make([]Turn, len(turns))
	copy(history, turns)
	select {
	case d.jobs <- job{userID: userID, turns: history}:
		d.opts.Metrics.QueueDepth(len(d.jobs))
		return true
	default:
		d.opts.Metrics.Dropped()
		d.opts.Logger.Warn("extraction queue full, dropping turn", "user_id", userID)
		return false
	}
}

// Stop refuses new jobs, runs the ones already queued and waits for the
// workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, d.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.opts.Logger.Error("extraction panicked", "user_id", j.userID, "panic", fmt.Sprint(r))
		}
	}()

	res, err := d.runner.Extract(ctx, j.userID, j.turns)
	if err != nil {
		d.opts.Logger.Error("extraction failed", "user_id", j.userID, "error", err)
		return
	}
	if d.opts.OnResult != nil {
		d.opts.OnResult(ctx, res)
	}
}
