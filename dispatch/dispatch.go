// Package dispatch runs suite and test units of work on a bounded worker
// pool and funnels their raw, unordered event output toward the sorting
// gates. It owns no ordering logic itself; it only guarantees that every
// submitted unit completes exactly once, that failures become data instead of
// crashes, and that a run-wide stop request winds work down cooperatively.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrStopRequested is handed to a unit's Abort when the run-wide stop
	// flag was raised before the unit got to execute.
	ErrStopRequested = errors.New("run stop requested")

	// ErrNotStarted is returned by Submit before Start has been called.
	ErrNotStarted = errors.New("dispatcher not started")
)

// Unit is one runnable piece of work: a whole suite, or a single test when a
// suite distributes its own tests. Run does its own event emission; an error
// it returns, a panic it raises, or a skip due to stop are all reported via
// Abort so that the downstream event stream always sees a terminal event for
// the unit.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
	Abort(err error)
}

// Handle tracks one submitted unit. It is resolved exactly once, even when
// the unit panics or is skipped.
type Handle struct {
	unit Unit
	done chan struct{}
	err  error
}

// Done is closed once the unit has completed (ran, aborted or was skipped).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the unit's failure, if any. Only valid after Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Config configures a ConcurrentDispatcher.
type Config struct {
	// Concurrency is the number of pool workers. Must be > 0 unless Serial
	// is set.
	Concurrency int

	// Serial bypasses the pool entirely: Submit executes the unit inline on
	// the calling goroutine. Used by suites that opt out of concurrent
	// execution.
	Serial bool

	Log log.Logger
}

// ConcurrentDispatcher executes units on a bounded worker pool. Excess
// submissions queue; no threads are created per submission.
type ConcurrentDispatcher struct {
	cfg Config
	log log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []*Handle

	wake chan struct{}
	quit chan struct{}

	workers     sync.WaitGroup
	outstanding sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

// NewConcurrentDispatcher creates a dispatcher; Start must be called before
// Submit.
func NewConcurrentDispatcher(cfg Config) (*ConcurrentDispatcher, error) {
	if !cfg.Serial && cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &ConcurrentDispatcher{
		cfg:  cfg,
		log:  cfg.Log.New("component", "dispatcher"),
		wake: make(chan struct{}, max(cfg.Concurrency, 1)),
		quit: make(chan struct{}),
	}, nil
}

// Start spins up the worker pool. The given context is the run context every
// unit receives; cancelling it (or calling RequestStop) is the cooperative
// stop signal.
func (d *ConcurrentDispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	if d.cfg.Serial {
		d.log.Debug("Dispatcher in serial passthrough mode")
		return nil
	}

	d.log.Debug("Starting worker pool", "concurrency", d.cfg.Concurrency)
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.workers.Add(1)
		go d.worker(i)
	}
	return nil
}

// Submit enqueues a unit for asynchronous execution and returns its handle.
// In serial mode the unit runs inline before Submit returns.
func (d *ConcurrentDispatcher) Submit(u Unit) (*Handle, error) {
	if !d.started.Load() {
		return nil, ErrNotStarted
	}
	h := &Handle{unit: u, done: make(chan struct{})}
	d.outstanding.Add(1)

	if d.cfg.Serial {
		d.runUnit(h)
		return h, nil
	}

	d.mu.Lock()
	d.queue = append(d.queue, h)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// AwaitAll blocks until every submitted unit has completed. Used by the run
// driver to learn when a run is fully done and the gates can be asked for
// their final state.
func (d *ConcurrentDispatcher) AwaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.outstanding.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.log.Warn("Timed out waiting for outstanding units", "err", ctx.Err())
		return ctx.Err()
	}
}

// Wait blocks until the given handles resolve. A unit waiting on its own
// children must use Wait rather than blocking on Done directly: while
// waiting, the calling worker steals queued units and runs them inline, so a
// bounded pool cannot deadlock on recursive distribution.
func (d *ConcurrentDispatcher) Wait(ctx context.Context, handles ...*Handle) error {
	for _, h := range handles {
		if err := d.waitStealing(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (d *ConcurrentDispatcher) waitStealing(ctx context.Context, h *Handle) error {
	// This goroutine may have consumed wake tokens meant for idle workers;
	// re-signal on exit if work is still queued.
	defer d.kick()
	for {
		select {
		case <-h.done:
			return nil
		default:
		}
		if s := d.dequeue(); s != nil {
			d.runUnit(s)
			continue
		}
		select {
		case <-h.done:
			return nil
		case <-d.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *ConcurrentDispatcher) kick() {
	d.mu.Lock()
	queued := len(d.queue)
	d.mu.Unlock()
	if queued > 0 {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// RequestStop raises the run-wide cooperative stop flag: queued units are
// skipped (their Abort is called with ErrStopRequested) and in-flight units
// observe cancellation of the run context at their next check point. Events
// already emitted still flush through the gates normally.
func (d *ConcurrentDispatcher) RequestStop() {
	if d.stopped.CompareAndSwap(false, true) {
		d.log.Info("Run stop requested; skipping queued units")
		if d.cancel != nil {
			d.cancel()
		}
	}
}

// Stopped reports whether a stop has been requested.
func (d *ConcurrentDispatcher) Stopped() bool {
	return d.stopped.Load()
}

// Shutdown drains the queue, stops the workers and waits for them to exit,
// bounded by ctx.
func (d *ConcurrentDispatcher) Shutdown(ctx context.Context) error {
	close(d.quit)
	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Debug("All workers terminated")
		return nil
	case <-ctx.Done():
		d.log.Warn("Timed out waiting for workers to terminate", "err", ctx.Err())
		return ctx.Err()
	}
}

func (d *ConcurrentDispatcher) worker(id int) {
	defer d.workers.Done()
	d.log.Debug("Worker starting", "worker", id)
	defer d.log.Debug("Worker exiting", "worker", id)

	for {
		if s := d.dequeue(); s != nil {
			d.runUnit(s)
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *ConcurrentDispatcher) dequeue() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	h := d.queue[0]
	d.queue = d.queue[1:]
	return h
}

// runUnit executes one unit with the worker-boundary guarantees: panics are
// caught and converted into an Abort, a requested stop skips the unit, and
// the handle resolves exactly once either way.
func (d *ConcurrentDispatcher) runUnit(h *Handle) {
	defer close(h.done)
	defer d.outstanding.Done()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in unit %s: %v", h.unit.Name(), r)
			d.log.Error("Recovered panic in unit of work", "unit", h.unit.Name(), "panic", r)
			h.err = err
			h.unit.Abort(err)
		}
	}()

	if d.stopped.Load() {
		h.err = ErrStopRequested
		h.unit.Abort(ErrStopRequested)
		return
	}

	if err := h.unit.Run(d.ctx); err != nil {
		d.log.Error("Unit of work failed", "unit", h.unit.Name(), "err", err)
		h.err = err
		h.unit.Abort(err)
	}
}
