package sorting

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/metrics"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
)

// DefaultSlotTimeout is how long a gate waits for a not-ready head slot
// before force-promoting it with a synthetic terminal event.
const DefaultSlotTimeout = 10 * time.Second

// TestGateConfig configures a TestSortingGate.
type TestGateConfig struct {
	// SuiteID identifies the suite whose test events this gate reorders.
	SuiteID string

	// DeclaredOrder is the suite's flattened, declared test order. When nil,
	// the gate falls back to first-observed TestStarting order.
	DeclaredOrder []string

	// SlotTimeout bounds how long the head slot may block the drain. Zero
	// selects DefaultSlotTimeout; negative disables forced flushing.
	SlotTimeout time.Duration

	// Sink receives the reordered event stream. Usually the run's
	// SuiteSortingGate.
	Sink Sink

	Log log.Logger
}

// TestSortingGate buffers one suite's test events, possibly arriving from
// multiple workers running that suite's tests in parallel, and releases them
// in declared (or first-start) order. The drain is a FIFO head-blocking walk:
// a not-ready head withholds everything behind it, which is what preserves
// the before/after guarantee for sequentially authored but concurrently
// executed tests.
type TestSortingGate struct {
	suiteID  string
	declared bool
	timeout  time.Duration
	sink     Sink
	log      log.Logger

	// pending counts unflushed slots; in declared mode it is seeded with the
	// full declared order. It is atomic so that the suite gate can consult
	// Finished without taking this gate's lock.
	pending atomic.Int64

	mu       sync.Mutex
	slots    []*testSlot
	index    map[string]*testSlot
	flushed  map[string]bool
	lastSeen ordinal.Ordinal
	seenAny  bool
	// activated flips on the first recorded event. Until then the suite is
	// merely queued behind a busy pool and no slot timer runs: queued work
	// is waiting for a worker, not stuck.
	activated bool
	timer     *time.Timer
	timerGen  uint64
}

type testSlot struct {
	name       string
	start      *events.Event
	infos      []events.Event
	namedCount int // infos attached by test name, counted against InfoCount
	terminal   *events.Event
	forced     bool
	deadline   time.Time
	state      SlotState
}

// NewTestSortingGate creates a gate for a single suite's test events.
func NewTestSortingGate(cfg TestGateConfig) *TestSortingGate {
	if cfg.Sink == nil {
		panic("sorting: test gate requires a sink")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	timeout := cfg.SlotTimeout
	if timeout == 0 {
		timeout = DefaultSlotTimeout
	}

	g := &TestSortingGate{
		suiteID:  cfg.SuiteID,
		declared: len(cfg.DeclaredOrder) > 0,
		timeout:  timeout,
		sink:     cfg.Sink,
		log:      cfg.Log.New("component", "test-gate", "suite", cfg.SuiteID),
		index:    make(map[string]*testSlot),
		flushed:  make(map[string]bool),
	}

	for _, name := range cfg.DeclaredOrder {
		if _, ok := g.index[name]; ok {
			continue // registry validation rejects duplicates; tolerate here
		}
		slot := &testSlot{name: name, state: SlotOpen}
		g.slots = append(g.slots, slot)
		g.index[name] = slot
		g.pending.Add(1)
	}
	return g
}

// SuiteID returns the suite this gate belongs to.
func (g *TestSortingGate) SuiteID() string {
	return g.suiteID
}

// RecordEvent accepts one of the suite's test events from any worker
// goroutine, buffers it into the matching slot and immediately flushes
// whatever has become releasable. A returned error indicates an event
// protocol violation by the producer.
func (g *TestSortingGate) RecordEvent(e events.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.activated = true
	g.noteOrdinalLocked(e.Ordinal)
	metrics.RecordEventRecorded("test", e.Kind.String())

	switch {
	case e.Kind == events.TestStarting:
		if err := g.recordStartLocked(e); err != nil {
			return err
		}
	case e.Kind.IsTerminalTest():
		if err := g.recordTerminalLocked(e); err != nil {
			return err
		}
	case e.Kind.IsInfoLike():
		if err := g.recordInfoLocked(e); err != nil {
			return err
		}
	default:
		metrics.RecordProtocolViolation("suite_event_in_test_gate")
		return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
			Reason: "suite-level event " + e.Kind.String() + " routed into test gate"}
	}

	g.flushLocked()
	return nil
}

// Finished reports whether every expected test slot has been flushed: the
// declared-order list in declared mode, the dynamically discovered set
// otherwise. Safe to call without blocking on the gate's lock.
func (g *TestSortingGate) Finished() bool {
	return g.pending.Load() == 0
}

// FlushReady walks the slot FIFO and releases every ready slot from the
// head. RecordEvent already does this on every mutation, so calling it again
// without new events is a no-op; it exists for completeness and for forced
// re-checks after an attached producer recovers.
func (g *TestSortingGate) FlushReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushLocked()
}

// Stop cancels the gate's pending slot timer. Buffered events stay buffered.
func (g *TestSortingGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *TestSortingGate) recordStartLocked(e events.Event) error {
	if g.flushed[e.TestName] {
		metrics.RecordProtocolViolation("test_start_after_flush")
		return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
			Reason: "TestStarting for an already flushed test"}
	}
	slot, ok := g.index[e.TestName]
	if !ok {
		if g.declared {
			metrics.RecordProtocolViolation("undeclared_test")
			return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
				Reason: "TestStarting for a test absent from the declared order"}
		}
		slot = &testSlot{name: e.TestName, state: SlotOpen}
		g.slots = append(g.slots, slot)
		g.index[e.TestName] = slot
		g.pending.Add(1)
	}
	if slot.start != nil {
		metrics.RecordProtocolViolation("duplicate_test_start")
		return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
			Reason: "duplicate TestStarting for an open slot"}
	}
	ev := e
	slot.start = &ev
	return nil
}

func (g *TestSortingGate) recordTerminalLocked(e events.Event) error {
	slot, ok := g.index[e.TestName]
	if !ok || slot.start == nil {
		metrics.RecordProtocolViolation("terminal_without_start")
		return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
			Reason: "terminal event " + e.Kind.String() + " for a never-started test"}
	}
	if slot.terminal != nil {
		metrics.RecordProtocolViolation("duplicate_test_terminal")
		return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
			Reason: "duplicate terminal event for test"}
	}
	ev := e
	slot.terminal = &ev
	return nil
}

func (g *TestSortingGate) recordInfoLocked(e events.Event) error {
	if e.TestName != "" {
		slot, ok := g.index[e.TestName]
		if !ok {
			metrics.RecordProtocolViolation("info_for_unknown_test")
			return &ProtocolViolationError{Gate: "test", SuiteID: g.suiteID, TestName: e.TestName,
				Reason: "info event for an unknown test"}
		}
		slot.infos = append(slot.infos, e)
		slot.namedCount++
		return nil
	}

	// Free-floating scope/info message: attach it to the next slot in order
	// still awaiting its terminal event, falling back to the tail. With no
	// buffered slots there is nothing it can precede, so it passes straight
	// through.
	for _, slot := range g.slots {
		if slot.terminal == nil {
			slot.infos = append(slot.infos, e)
			return nil
		}
	}
	if n := len(g.slots); n > 0 {
		g.slots[n-1].infos = append(g.slots[n-1].infos, e)
		return nil
	}
	g.sink.Dispatch(e)
	return nil
}

func (g *TestSortingGate) readyLocked(slot *testSlot) bool {
	if slot.forced {
		return slot.terminal != nil
	}
	if slot.start == nil || slot.terminal == nil {
		return false
	}
	return slot.namedCount >= slot.terminal.InfoCount
}

// flushRetrier is implemented by sinks (notably the SuiteSortingGate) whose
// own readiness may depend on this gate having finished.
type flushRetrier interface {
	FlushReady()
}

func (g *TestSortingGate) flushLocked() {
	flushedAny := false
	for len(g.slots) > 0 {
		head := g.slots[0]
		if !g.readyLocked(head) {
			break
		}
		g.dispatchSlotLocked(head)
		g.slots = g.slots[1:]
		delete(g.index, head.name)
		g.flushed[head.name] = true
		g.pending.Add(-1)
		flushedAny = true
	}
	metrics.SetBufferedSlots("test", len(g.slots))
	g.armTimerLocked()

	// Flushing the last expected slot may be exactly what an upstream suite
	// slot was waiting on; nudge the downstream gate to re-check.
	if flushedAny && g.pending.Load() == 0 {
		if fr, ok := g.sink.(flushRetrier); ok {
			fr.FlushReady()
		}
	}
}

// dispatchSlotLocked releases one slot's events: start, then its info events
// in ordinal order, then the terminal event.
func (g *TestSortingGate) dispatchSlotLocked(slot *testSlot) {
	slot.state = SlotFlushed
	if slot.start != nil {
		g.sink.Dispatch(*slot.start)
	}
	sort.SliceStable(slot.infos, func(i, j int) bool {
		return slot.infos[i].Ordinal.Less(slot.infos[j].Ordinal)
	})
	for _, info := range slot.infos {
		g.sink.Dispatch(info)
	}
	if slot.terminal != nil {
		g.sink.Dispatch(*slot.terminal)
	}
}

func (g *TestSortingGate) noteOrdinalLocked(o ordinal.Ordinal) {
	if !g.seenAny || g.lastSeen.Less(o) {
		g.lastSeen = o
		g.seenAny = true
	}
}

func (g *TestSortingGate) syntheticOrdinalLocked() ordinal.Ordinal {
	if g.seenAny {
		g.lastSeen = g.lastSeen.Next()
		return g.lastSeen
	}
	return ordinal.New(0)
}

func (g *TestSortingGate) armTimerLocked() {
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if !g.activated || g.timeout < 0 || len(g.slots) == 0 {
		return
	}
	head := g.slots[0]
	if g.readyLocked(head) {
		return
	}
	if head.deadline.IsZero() {
		head.deadline = time.Now().Add(g.timeout)
	}
	gen := g.timerGen
	name := head.name
	g.timer = time.AfterFunc(time.Until(head.deadline), func() {
		g.forceHead(gen, name)
	})
}

// forceHead promotes a stuck head slot so one hung test cannot starve the
// whole downstream stream. Missing start/terminal events are synthesized as
// flagged TestCanceled-class events.
func (g *TestSortingGate) forceHead(gen uint64, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.timerGen || len(g.slots) == 0 || g.slots[0].name != name {
		return
	}
	head := g.slots[0]
	if g.readyLocked(head) {
		g.flushLocked()
		return
	}

	g.log.Warn("Forcing stuck test slot after timeout", "test", name, "timeout", g.timeout)
	metrics.RecordForcedFlush("test")

	head.forced = true
	if head.start == nil {
		ev := events.NewTestEvent(events.TestStarting, g.syntheticOrdinalLocked(), g.suiteID, name)
		ev.Synthetic = true
		head.start = &ev
	}
	if head.terminal == nil {
		ev := events.NewTestEvent(events.TestCanceled, g.syntheticOrdinalLocked(), g.suiteID, name)
		ev.Synthetic = true
		ev.Message = "timed out waiting for test events"
		head.terminal = &ev
	}
	head.state = SlotReady
	g.flushLocked()
}
