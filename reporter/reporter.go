// Package reporter provides downstream consumers of the final ordered event
// stream. All sinks tolerate being invoked from whichever worker goroutine
// completes a flush.
package reporter

import (
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/sorting"
)

// TestStatus is the rolled-up outcome of a test or suite.
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
)

// statusOf maps a terminal test event kind to a status.
func statusOf(k events.Kind) TestStatus {
	switch k {
	case events.TestSucceeded:
		return TestStatusPass
	case events.TestFailed:
		return TestStatusFail
	default:
		// Ignored, pending and canceled tests all count as skipped.
		return TestStatusSkip
	}
}

// TestOutcome is one test's final state as seen in the ordered stream.
type TestOutcome struct {
	Name      string
	Status    TestStatus
	Kind      events.Kind
	Message   string
	Synthetic bool
}

// SuiteResult aggregates one suite's sub-stream.
type SuiteResult struct {
	ID      string
	Status  TestStatus
	Aborted bool
	Tests   []TestOutcome
	Events  int
	Started time.Time
	Ended   time.Time
}

// Duration is the wall-clock span between the suite's first and last event.
func (s *SuiteResult) Duration() time.Duration {
	if s.Started.IsZero() || s.Ended.IsZero() {
		return 0
	}
	return s.Ended.Sub(s.Started)
}

// RunStats aggregates test counts across the run.
type RunStats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

// RunResult is the whole run's summary, with suites in dispatch order.
type RunResult struct {
	Suites []SuiteResult
	Stats  RunStats
}

// Status rolls up the run: fail if any test failed or any suite aborted,
// skip if nothing passed, pass otherwise.
func (r *RunResult) Status() TestStatus {
	if r.Stats.Failed > 0 {
		return TestStatusFail
	}
	for _, s := range r.Suites {
		if s.Aborted {
			return TestStatusFail
		}
	}
	if r.Stats.Passed == 0 {
		return TestStatusSkip
	}
	return TestStatusPass
}

// CollectingSink builds a RunResult from the ordered stream. Because the
// stream is already fully ordered, a suite's events arrive contiguously and
// collection is a simple append to the current suite.
type CollectingSink struct {
	mu      sync.Mutex
	ordered []events.Event
	suites  []SuiteResult
	index   map[string]int
}

var _ sorting.Sink = (*CollectingSink)(nil)

// NewCollectingSink creates an empty collector.
func NewCollectingSink() *CollectingSink {
	return &CollectingSink{index: make(map[string]int)}
}

// Dispatch implements sorting.Sink.
func (c *CollectingSink) Dispatch(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ordered = append(c.ordered, e)

	i, ok := c.index[e.SuiteID]
	if !ok {
		c.suites = append(c.suites, SuiteResult{ID: e.SuiteID, Status: TestStatusSkip, Started: e.Timestamp})
		i = len(c.suites) - 1
		c.index[e.SuiteID] = i
	}
	suite := &c.suites[i]
	suite.Events++
	suite.Ended = e.Timestamp

	switch {
	case e.Kind.IsTerminalTest():
		outcome := TestOutcome{
			Name:      e.TestName,
			Status:    statusOf(e.Kind),
			Kind:      e.Kind,
			Message:   e.Message,
			Synthetic: e.Synthetic,
		}
		suite.Tests = append(suite.Tests, outcome)
		if outcome.Status == TestStatusFail {
			suite.Status = TestStatusFail
		} else if outcome.Status == TestStatusPass && suite.Status != TestStatusFail {
			suite.Status = TestStatusPass
		}
	case e.Kind == events.SuiteAborted:
		suite.Aborted = true
		suite.Status = TestStatusFail
	}
}

// Ordered returns a copy of every event dispatched so far, in final order.
func (c *CollectingSink) Ordered() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Result snapshots the run summary.
func (c *CollectingSink) Result() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &RunResult{Suites: make([]SuiteResult, len(c.suites))}
	copy(result.Suites, c.suites)
	for _, s := range c.suites {
		for _, t := range s.Tests {
			result.Stats.Total++
			switch t.Status {
			case TestStatusPass:
				result.Stats.Passed++
			case TestStatusFail:
				result.Stats.Failed++
			default:
				result.Stats.Skipped++
			}
		}
	}
	return result
}

// LogSink writes every dispatched event to a structured logger, stripping
// ANSI escapes that test bodies may have leaked into messages.
type LogSink struct {
	log log.Logger
}

var _ sorting.Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.New()
	}
	return &LogSink{log: logger.New("component", "event-stream")}
}

// Dispatch implements sorting.Sink.
func (s *LogSink) Dispatch(e events.Event) {
	args := []interface{}{"ordinal", e.Ordinal.String(), "suite", e.SuiteID}
	if e.TestName != "" {
		args = append(args, "test", e.TestName)
	}
	if e.Message != "" {
		args = append(args, "msg", stripansi.Strip(e.Message))
	}
	if e.Synthetic {
		args = append(args, "synthetic", true)
	}
	s.log.Info(e.Kind.String(), args...)
}

// MultiSink dispatches every event to each of its children in order.
type MultiSink struct {
	sinks []sorting.Sink
}

var _ sorting.Sink = (*MultiSink)(nil)

// NewMultiSink fans the stream out to all given sinks.
func NewMultiSink(sinks ...sorting.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Dispatch implements sorting.Sink.
func (m *MultiSink) Dispatch(e events.Event) {
	for _, s := range m.sinks {
		s.Dispatch(e)
	}
}
