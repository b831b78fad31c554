package sorting

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/metrics"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
)

// SuiteGateConfig configures a SuiteSortingGate.
type SuiteGateConfig struct {
	// SlotTimeout bounds how long a not-ready head suite may block the drain.
	// Zero selects DefaultSlotTimeout; negative disables forced flushing.
	SlotTimeout time.Duration

	// Sink receives the final, fully ordered event stream.
	Sink Sink

	Log log.Logger
}

// SuiteSortingGate is the single synchronization point shared by all workers
// of a run. It holds each top-level suite's event sub-stream until the suites
// ahead of it in submission order are fully flushed, then releases events
// suite by suite. Within a suite, buffered events are released verbatim in
// arrival order; per-test ordering is the job of that suite's own
// TestSortingGate, which sits upstream of this one.
//
// All mutating operations run under one lock, because flush decisions need a
// globally consistent view of the FIFO slot list. The critical sections are
// pointer and list bookkeeping only.
type SuiteSortingGate struct {
	timeout time.Duration
	sink    Sink
	log     log.Logger

	mu       sync.Mutex
	slots    []*suiteSlot
	index    map[string]*suiteSlot
	flushed  map[string]bool
	lastSeen ordinal.Ordinal
	seenAny  bool
	timer    *time.Timer
	timerGen uint64
}

type suiteSlot struct {
	suiteID  string
	start    *events.Event
	buffer   []events.Event
	terminal *events.Event
	testGate *TestSortingGate
	forced   bool
	deadline time.Time
	state    SlotState
}

// NewSuiteSortingGate creates the run-scoped top-level gate.
func NewSuiteSortingGate(cfg SuiteGateConfig) *SuiteSortingGate {
	if cfg.Sink == nil {
		panic("sorting: suite gate requires a sink")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	timeout := cfg.SlotTimeout
	if timeout == 0 {
		timeout = DefaultSlotTimeout
	}
	return &SuiteSortingGate{
		timeout: timeout,
		sink:    cfg.Sink,
		log:     cfg.Log.New("component", "suite-gate"),
		index:   make(map[string]*suiteSlot),
		flushed: make(map[string]bool),
	}
}

// Announce pre-registers a suite at the tail of the FIFO. The run driver
// calls it at submission time, before any worker can emit the suite's
// events, so that flush order follows submission order rather than the
// scheduling accident of whichever SuiteStarting is observed first.
func (g *SuiteSortingGate) Announce(suiteID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[suiteID]; ok || g.flushed[suiteID] {
		metrics.RecordProtocolViolation("duplicate_suite_announce")
		return &ProtocolViolationError{Gate: "suite", SuiteID: suiteID,
			Reason: "suite announced twice within one run"}
	}
	slot := &suiteSlot{suiteID: suiteID, state: SlotOpen}
	g.slots = append(g.slots, slot)
	g.index[suiteID] = slot
	metrics.SetBufferedSlots("suite", len(g.slots))
	g.armTimerLocked()
	return nil
}

// AttachTestSortingGate registers that a suite's readiness is additionally
// gated on its test sorting gate having flushed all expected tests.
func (g *SuiteSortingGate) AttachTestSortingGate(suiteID string, gate *TestSortingGate) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[suiteID]
	if !ok {
		return &ProtocolViolationError{Gate: "suite", SuiteID: suiteID,
			Reason: "cannot attach test gate to an unknown suite"}
	}
	if slot.testGate != nil {
		return &ProtocolViolationError{Gate: "suite", SuiteID: suiteID,
			Reason: "test gate already attached"}
	}
	slot.testGate = gate
	return nil
}

// RecordEvent accepts one lifecycle event from any worker goroutine and
// immediately attempts a flush, so delivery has no added latency beyond what
// ordering correctness requires. A returned error indicates a protocol
// violation by the producer.
func (g *SuiteSortingGate) RecordEvent(e events.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.noteOrdinalLocked(e.Ordinal)
	metrics.RecordEventRecorded("suite", e.Kind.String())

	switch {
	case e.Kind == events.SuiteStarting:
		if err := g.recordStartLocked(e); err != nil {
			return err
		}
	case e.Kind.IsTerminalSuite():
		if err := g.recordTerminalLocked(e); err != nil {
			return err
		}
	default:
		slot, ok := g.index[e.SuiteID]
		if !ok {
			metrics.RecordProtocolViolation("event_for_unknown_suite")
			return &ProtocolViolationError{Gate: "suite", SuiteID: e.SuiteID, TestName: e.TestName,
				Reason: "event " + e.Kind.String() + " for an unknown suite"}
		}
		slot.buffer = append(slot.buffer, e)
	}

	g.flushLocked()
	return nil
}

// Dispatch implements Sink, so a suite's TestSortingGate can feed its
// already-ordered output directly into this gate's buffers. Protocol errors
// on this path indicate gate miswiring and are escalated through the log
// since the sink contract has no error return.
func (g *SuiteSortingGate) Dispatch(e events.Event) {
	if err := g.RecordEvent(e); err != nil {
		g.log.Error("Dropping unroutable sorted event", "event", e.String(), "err", err)
		metrics.RecordErrorDetails("suite_gate_dispatch", err)
	}
}

// FlushReady re-runs the head drain. Mutating calls already flush, so this
// is a no-op unless an attached test gate finished out of band.
func (g *SuiteSortingGate) FlushReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushLocked()
}

// Drained reports whether every announced suite has been fully flushed.
func (g *SuiteSortingGate) Drained() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots) == 0
}

// PendingSuites returns the suite IDs still buffered, head first.
func (g *SuiteSortingGate) PendingSuites() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.slots))
	for i, slot := range g.slots {
		out[i] = slot.suiteID
	}
	return out
}

// Stop cancels the pending slot timer. Buffered events stay buffered.
func (g *SuiteSortingGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *SuiteSortingGate) recordStartLocked(e events.Event) error {
	slot, ok := g.index[e.SuiteID]
	if ok && slot.start != nil {
		metrics.RecordProtocolViolation("duplicate_suite_start")
		return &ProtocolViolationError{Gate: "suite", SuiteID: e.SuiteID,
			Reason: "duplicate SuiteStarting for an open slot"}
	}
	if g.flushed[e.SuiteID] {
		metrics.RecordProtocolViolation("suite_start_after_flush")
		return &ProtocolViolationError{Gate: "suite", SuiteID: e.SuiteID,
			Reason: "SuiteStarting for an already flushed suite"}
	}
	if !ok {
		// Un-announced suite: fall back to first-observed order.
		slot = &suiteSlot{suiteID: e.SuiteID, state: SlotOpen}
		g.slots = append(g.slots, slot)
		g.index[e.SuiteID] = slot
		metrics.SetBufferedSlots("suite", len(g.slots))
	}
	ev := e
	slot.start = &ev
	return nil
}

func (g *SuiteSortingGate) recordTerminalLocked(e events.Event) error {
	slot, ok := g.index[e.SuiteID]
	if !ok || slot.start == nil {
		metrics.RecordProtocolViolation("suite_terminal_without_start")
		return &ProtocolViolationError{Gate: "suite", SuiteID: e.SuiteID,
			Reason: "terminal event " + e.Kind.String() + " for a never-started suite"}
	}
	if slot.terminal != nil {
		metrics.RecordProtocolViolation("duplicate_suite_terminal")
		return &ProtocolViolationError{Gate: "suite", SuiteID: e.SuiteID,
			Reason: "duplicate terminal event for suite"}
	}
	ev := e
	slot.terminal = &ev
	if slot.testGate != nil && !slot.testGate.Finished() {
		slot.state = SlotPendingSubOrdering
	}
	return nil
}

func (g *SuiteSortingGate) readyLocked(slot *suiteSlot) bool {
	if slot.forced {
		return slot.terminal != nil
	}
	if slot.start == nil || slot.terminal == nil {
		return false
	}
	return slot.testGate == nil || slot.testGate.Finished()
}

func (g *SuiteSortingGate) flushLocked() {
	for len(g.slots) > 0 {
		head := g.slots[0]
		if !g.readyLocked(head) {
			break
		}
		g.dispatchSlotLocked(head)
		g.slots = g.slots[1:]
		delete(g.index, head.suiteID)
		g.flushed[head.suiteID] = true
	}
	metrics.SetBufferedSlots("suite", len(g.slots))
	g.armTimerLocked()
}

// dispatchSlotLocked releases one suite's sub-stream: the starting event,
// the buffered events verbatim in arrival order, then the terminal event.
func (g *SuiteSortingGate) dispatchSlotLocked(slot *suiteSlot) {
	slot.state = SlotFlushed
	if slot.start != nil {
		g.dispatchOne(*slot.start)
	}
	for _, e := range slot.buffer {
		g.dispatchOne(e)
	}
	if slot.terminal != nil {
		g.dispatchOne(*slot.terminal)
	}
}

func (g *SuiteSortingGate) dispatchOne(e events.Event) {
	metrics.RecordEventDispatched(e.Kind.String())
	g.sink.Dispatch(e)
}

func (g *SuiteSortingGate) noteOrdinalLocked(o ordinal.Ordinal) {
	if !g.seenAny || g.lastSeen.Less(o) {
		g.lastSeen = o
		g.seenAny = true
	}
}

func (g *SuiteSortingGate) syntheticOrdinalLocked() ordinal.Ordinal {
	if g.seenAny {
		g.lastSeen = g.lastSeen.Next()
		return g.lastSeen
	}
	return ordinal.New(0)
}

func (g *SuiteSortingGate) armTimerLocked() {
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.timeout < 0 || len(g.slots) == 0 {
		return
	}
	head := g.slots[0]
	if g.readyLocked(head) {
		return
	}
	// An announced suite that has not started is waiting for a worker, not
	// stuck; the dispatcher owns its termination (every submitted unit runs
	// or aborts). The slot clock starts with SuiteStarting.
	if head.start == nil {
		return
	}
	if head.deadline.IsZero() {
		head.deadline = time.Now().Add(g.timeout)
	}
	gen := g.timerGen
	suiteID := head.suiteID
	g.timer = time.AfterFunc(time.Until(head.deadline), func() {
		g.forceHead(gen, suiteID)
	})
}

// forceHead promotes a stuck head suite so one hung or cancelled suite
// cannot starve the downstream stream. The synthetic SuiteAborted tells the
// consumer why the stream closed the suite out instead of hanging forever.
func (g *SuiteSortingGate) forceHead(gen uint64, suiteID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.timerGen || len(g.slots) == 0 || g.slots[0].suiteID != suiteID {
		return
	}
	head := g.slots[0]
	if g.readyLocked(head) {
		g.flushLocked()
		return
	}

	g.log.Warn("Forcing stuck suite slot after timeout", "suite", suiteID, "timeout", g.timeout)
	metrics.RecordForcedFlush("suite")

	head.forced = true
	// The timer only ever arms for a started head, so start is present.
	if head.terminal == nil {
		ev := events.New(events.SuiteAborted, g.syntheticOrdinalLocked(), suiteID)
		ev.Synthetic = true
		ev.Message = "timed out waiting for suite events"
		head.terminal = &ev
	}
	head.state = SlotReady
	g.flushLocked()
}
