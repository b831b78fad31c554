package orderer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunScheduler triggers periodic runs.
type RunScheduler interface {
	Start() error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// IntervalScheduler invokes a run callback at a fixed interval until
// stopped. A run in progress is never interrupted by the next tick; ticks
// that fire while a run is active are delivered after it finishes, per
// time.Ticker semantics.
type IntervalScheduler struct {
	log      log.Logger
	interval time.Duration
	run      func(ctx context.Context) error

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewIntervalScheduler(ctx context.Context, logger log.Logger, interval time.Duration, run func(ctx context.Context) error) (*IntervalScheduler, error) {
	if interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if run == nil {
		return nil, errors.New("scheduler run callback must not be nil")
	}
	sctx, cancel := context.WithCancel(ctx)
	return &IntervalScheduler{
		log:      logger.New("component", "scheduler"),
		interval: interval,
		run:      run,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

func (s *IntervalScheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	s.log.Info("Starting periodic runs", "interval", s.interval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *IntervalScheduler) loop() {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.run(s.ctx); err != nil {
				s.log.Error("Scheduled run failed", "err", err)
			}
		case <-s.ctx.Done():
			s.log.Debug("Scheduler context canceled")
			return
		}
	}
}

// Stop cancels the loop and waits for any in-progress run to return,
// bounded by ctx.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *IntervalScheduler) Done() <-chan struct{} {
	return s.done
}
