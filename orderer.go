package orderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/dispatch"
	"github.com/ethereum-optimism/infra/op-orderer/metrics"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
	"github.com/ethereum-optimism/infra/op-orderer/registry"
	"github.com/ethereum-optimism/infra/op-orderer/reporter"
	"github.com/ethereum-optimism/infra/op-orderer/sorting"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Orderer is the long-lived service: it loads the run plan, executes runs
// (once or periodically) and publishes each run's fully ordered result.
type Orderer struct {
	config   *Config
	version  string
	registry *registry.Registry

	formatter ResultFormatter
	scheduler *IntervalScheduler

	runIndex atomic.Uint64
	running  atomic.Bool
	done     chan struct{}

	resultMu sync.Mutex
	result   *reporter.RunResult

	shutdownCallback func(error) // Called when the service exits on its own
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Orderer, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("logger is required")
	}

	reg, err := registry.NewRegistry(registry.Config{
		Log:      config.Log,
		PlanFile: config.PlanPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load run plan: %w", err)
	}

	return &Orderer{
		config:           config,
		version:          version,
		registry:         reg,
		formatter:        NewConsoleResultFormatter(config.Log),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the first run synchronously, then hands periodic runs to the
// scheduler unless RunOnce is set.
func (o *Orderer) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orderer already started")
	}
	o.config.Log.Info("Starting op-orderer",
		"version", o.version,
		"plan", o.config.PlanPath,
		"suites", len(o.registry.Suites()),
		"tests", o.registry.TestCount(),
		"concurrency", o.config.Concurrency,
		"run_once", o.config.RunOnce,
	)

	err := o.runOnce(ctx)

	if o.config.RunOnce {
		o.running.Store(false)
		close(o.done)
		if o.shutdownCallback != nil {
			o.shutdownCallback(err)
		}
		return err
	}

	if err != nil {
		// A failing run is a result, not a reason to stop running.
		o.config.Log.Error("Initial run failed", "err", err)
	}

	scheduler, serr := NewIntervalScheduler(ctx, o.config.Log, o.config.RunInterval, o.runOnce)
	if serr != nil {
		o.running.Store(false)
		close(o.done)
		return NewRuntimeError(serr)
	}
	if serr := scheduler.Start(); serr != nil {
		o.running.Store(false)
		close(o.done)
		return NewRuntimeError(serr)
	}
	o.scheduler = scheduler
	return nil
}

// Stop shuts down the service. Safe to call multiple times.
func (o *Orderer) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	o.config.Log.Info("Stopping op-orderer")
	if o.scheduler != nil {
		if err := o.scheduler.Stop(ctx); err != nil {
			return err
		}
	}
	close(o.done)
	o.config.Log.Info("op-orderer stopped")
	return nil
}

// Stopped reports whether the service has fully stopped.
func (o *Orderer) Stopped() bool {
	return !o.running.Load()
}

// WaitForShutdown blocks until the service stops or ctx is done.
func (o *Orderer) WaitForShutdown(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the most recent run's result, or nil before the first run
// completes.
func (o *Orderer) Result() *reporter.RunResult {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	return o.result
}

// runOnce executes one full run: build the gate chain, fan the plan out onto
// the dispatcher, wait for everything to flush, then collect and report.
func (o *Orderer) runOnce(ctx context.Context) error {
	runIdx := o.runIndex.Add(1)
	runID := uuid.New().String()
	logger := o.config.Log.New("run_id", runID)
	start := time.Now()
	logger.Info("Starting run", "run", runIdx)

	collector := reporter.NewCollectingSink()
	sink := reporter.NewMultiSink(collector, reporter.NewLogSink(logger))

	suiteGate := sorting.NewSuiteSortingGate(sorting.SuiteGateConfig{
		SlotTimeout: o.config.SlotTimeout,
		Sink:        sink,
		Log:         logger,
	})

	dispatcher, err := dispatch.NewConcurrentDispatcher(dispatch.Config{
		Concurrency: o.config.Concurrency,
		Serial:      o.config.Serial,
		Log:         logger,
	})
	if err != nil {
		return NewRuntimeError(err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		return NewRuntimeError(err)
	}

	// Announce every suite up front so the output order is the plan's
	// submission order regardless of which suite produces events first.
	ord := ordinal.New(runIdx)
	var testGates []*sorting.TestSortingGate
	for _, spec := range o.registry.Suites() {
		branch, cont := ord.NextNewBranch()
		ord = cont

		if err := suiteGate.Announce(spec.Name); err != nil {
			return NewRuntimeError(err)
		}
		var testGate *sorting.TestSortingGate
		if !spec.Serial && !o.config.Serial {
			testGate = sorting.NewTestSortingGate(sorting.TestGateConfig{
				SuiteID:       spec.Name,
				DeclaredOrder: spec.TestNames(),
				SlotTimeout:   o.config.SlotTimeout,
				Sink:          suiteGate,
				Log:           logger,
			})
			if err := suiteGate.AttachTestSortingGate(spec.Name, testGate); err != nil {
				return NewRuntimeError(err)
			}
			testGates = append(testGates, testGate)
		}

		if _, err := dispatcher.Submit(newSuiteUnit(spec, branch, dispatcher, suiteGate, testGate, logger)); err != nil {
			return NewRuntimeError(err)
		}
	}

	if err := dispatcher.AwaitAll(ctx); err != nil {
		dispatcher.RequestStop()
	}
	if err := o.awaitDrained(ctx, logger, suiteGate); err != nil {
		return err
	}

	for _, tg := range testGates {
		tg.Stop()
	}
	suiteGate.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dispatcher shutdown incomplete", "err", err)
	}

	result := collector.Result()
	o.resultMu.Lock()
	o.result = result
	o.resultMu.Unlock()

	duration := time.Since(start)
	if err := o.formatter.FormatResults(result); err != nil {
		logger.Error("Failed to format results", "err", err)
	}
	metrics.RecordRun(runID, string(result.Status()), len(result.Suites), duration)
	logger.Info("Run complete",
		"status", result.Status(),
		"duration", duration,
		"total", result.Stats.Total,
		"passed", result.Stats.Passed,
		"failed", result.Stats.Failed,
		"skipped", result.Stats.Skipped,
	)

	if result.Status() == reporter.TestStatusFail {
		return NewRunFailureError(fmt.Sprintf("%d of %d tests failed", result.Stats.Failed, result.Stats.Total))
	}
	return nil
}

// awaitDrained waits for the suite gate to release every buffered slot. In
// the normal case the gate is already drained when the units finish; after
// an abort the slot timers force-flush whatever is stuck, so the wait is
// bounded by the slot timeout plus slack.
func (o *Orderer) awaitDrained(ctx context.Context, logger log.Logger, gate *sorting.SuiteSortingGate) error {
	if gate.Drained() {
		return nil
	}
	budget := o.config.SlotTimeout
	if budget == 0 {
		budget = sorting.DefaultSlotTimeout
	}
	if budget < 0 {
		logger.Warn("Forced flushing disabled and gate not drained", "pending", gate.PendingSuites())
		return NewRuntimeError(fmt.Errorf("suite gate not drained, pending suites: %v", gate.PendingSuites()))
	}

	deadline := time.NewTimer(2*budget + time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if gate.Drained() {
				return nil
			}
		case <-deadline.C:
			logger.Warn("Suite gate failed to drain", "pending", gate.PendingSuites())
			return NewRuntimeError(fmt.Errorf("suite gate not drained, pending suites: %v", gate.PendingSuites()))
		case <-ctx.Done():
			return NewRuntimeError(ctx.Err())
		}
	}
}
