package orderer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/dispatch"
	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
	"github.com/ethereum-optimism/infra/op-orderer/registry"
	"github.com/ethereum-optimism/infra/op-orderer/sorting"
	"github.com/ethereum/go-ethereum/log"
)

// eventRecorder is the upstream face shared by both sorting gates.
type eventRecorder interface {
	RecordEvent(e events.Event) error
}

// suiteUnit executes one top-level suite: it emits the suite lifecycle
// events and fans the suite's tests out onto the dispatcher, or runs them
// inline in declared order when the suite opted out of concurrency.
type suiteUnit struct {
	spec       registry.SuiteSpec
	ord        ordinal.Ordinal
	dispatcher *dispatch.ConcurrentDispatcher
	suiteGate  eventRecorder
	// testGate is nil for serial suites; their test events go straight to
	// the suite gate in declared order.
	testGate *sorting.TestSortingGate
	log      log.Logger

	startEmitted    bool
	terminalEmitted bool
}

func newSuiteUnit(spec registry.SuiteSpec, ord ordinal.Ordinal, dispatcher *dispatch.ConcurrentDispatcher, suiteGate eventRecorder, testGate *sorting.TestSortingGate, logger log.Logger) *suiteUnit {
	return &suiteUnit{
		spec:       spec,
		ord:        ord,
		dispatcher: dispatcher,
		suiteGate:  suiteGate,
		testGate:   testGate,
		log:        logger.New("suite", spec.Name),
	}
}

func (u *suiteUnit) Name() string {
	return u.spec.Name
}

func (u *suiteUnit) Run(ctx context.Context) error {
	if err := u.suiteGate.RecordEvent(events.New(events.SuiteStarting, u.ord, u.spec.Name)); err != nil {
		return err
	}
	u.startEmitted = true
	u.ord = u.ord.Next()

	if u.testGate == nil {
		if err := u.runSerial(ctx); err != nil {
			return err
		}
	} else {
		if err := u.runConcurrent(ctx); err != nil {
			return err
		}
	}

	if err := u.suiteGate.RecordEvent(events.New(events.SuiteCompleted, u.ord, u.spec.Name)); err != nil {
		return err
	}
	u.terminalEmitted = true
	return nil
}

// runConcurrent forks one ordinal branch per test, submits each test as its
// own unit and waits for them with work stealing, so a suite blocked on its
// children never starves the pool.
func (u *suiteUnit) runConcurrent(ctx context.Context) error {
	handles := make([]*dispatch.Handle, 0, len(u.spec.Tests))
	for _, t := range u.spec.Tests {
		branch, cont := u.ord.NextNewBranch()
		u.ord = cont
		h, err := u.dispatcher.Submit(newTestUnit(u.spec.Name, t, branch, u.testGate, u.log))
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	if err := u.dispatcher.Wait(ctx, handles...); err != nil {
		return err
	}
	for _, h := range handles {
		if err := h.Err(); err != nil {
			// The test unit's Abort already put a terminal event in the
			// stream; the suite itself still completes.
			u.log.Warn("Test unit did not complete cleanly", "err", err)
		}
	}
	return nil
}

func (u *suiteUnit) runSerial(ctx context.Context) error {
	for _, t := range u.spec.Tests {
		tu := newTestUnit(u.spec.Name, t, u.ord, u.suiteGate, u.log)
		if err := tu.Run(ctx); err != nil {
			return err
		}
		u.ord = tu.ord
	}
	return nil
}

// Abort closes out the suite's sub-stream after a panic, a failed emission
// or a skipped run, so the suite gate is never left waiting on a terminal
// event that will not come.
func (u *suiteUnit) Abort(err error) {
	if u.terminalEmitted {
		return
	}
	if !u.startEmitted {
		if rerr := u.suiteGate.RecordEvent(events.New(events.SuiteStarting, u.ord, u.spec.Name)); rerr != nil {
			u.log.Error("Failed to emit suite start during abort", "err", rerr)
			return
		}
		u.startEmitted = true
		u.ord = u.ord.Next()
	}
	if rerr := u.suiteGate.RecordEvent(events.NewSuiteAborted(u.ord, u.spec.Name, err)); rerr != nil {
		u.log.Error("Failed to emit suite abort", "err", rerr)
		return
	}
	u.terminalEmitted = true
}

// testUnit executes one test as a schedulable unit. It is a simulation
// harness: the plan's outcome, delay and messages are replayed as the real
// event sequence a live test would produce.
type testUnit struct {
	suiteID string
	spec    registry.TestSpec
	ord     ordinal.Ordinal
	gate    eventRecorder
	log     log.Logger

	startEmitted    bool
	terminalEmitted bool
	infosEmitted    int
}

func newTestUnit(suiteID string, spec registry.TestSpec, ord ordinal.Ordinal, gate eventRecorder, logger log.Logger) *testUnit {
	return &testUnit{
		suiteID: suiteID,
		spec:    spec,
		ord:     ord,
		gate:    gate,
		log:     logger.New("test", spec.Name),
	}
}

func (u *testUnit) Name() string {
	return u.suiteID + "/" + u.spec.Name
}

// record emits one event at the unit's current ordinal and advances it.
func (u *testUnit) record(e events.Event) error {
	if err := u.gate.RecordEvent(e); err != nil {
		return err
	}
	u.ord = u.ord.Next()
	return nil
}

func (u *testUnit) Run(ctx context.Context) error {
	if err := u.record(events.NewTestEvent(events.TestStarting, u.ord, u.suiteID, u.spec.Name)); err != nil {
		return err
	}
	u.startEmitted = true

	if u.spec.Duration > 0 {
		timer := time.NewTimer(u.spec.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			ev := events.NewTestEvent(events.TestCanceled, u.ord, u.suiteID, u.spec.Name)
			ev.Message = ctx.Err().Error()
			if err := u.record(ev); err != nil {
				return err
			}
			u.terminalEmitted = true
			return nil
		}
	}

	for _, msg := range u.spec.Messages {
		if err := u.record(events.NewInfo(u.ord, u.suiteID, u.spec.Name, msg)); err != nil {
			return err
		}
		u.infosEmitted++
	}

	if err := u.record(u.terminalEvent()); err != nil {
		return err
	}
	u.terminalEmitted = true
	return nil
}

// terminalEvent maps the planned outcome onto the terminal event variant.
// The terminal carries the info count so the sorting gate knows how many
// info events belong inside the slot.
func (u *testUnit) terminalEvent() events.Event {
	switch u.spec.Outcome {
	case registry.OutcomeFail:
		return events.NewTestFailed(u.ord, u.suiteID, u.spec.Name, fmt.Errorf("test %s failed", u.spec.Name), u.infosEmitted)
	case registry.OutcomeSkip:
		e := events.NewTestEvent(events.TestIgnored, u.ord, u.suiteID, u.spec.Name)
		e.InfoCount = u.infosEmitted
		return e
	case registry.OutcomePending:
		e := events.NewTestEvent(events.TestPending, u.ord, u.suiteID, u.spec.Name)
		e.InfoCount = u.infosEmitted
		return e
	case registry.OutcomeCancel:
		e := events.NewTestEvent(events.TestCanceled, u.ord, u.suiteID, u.spec.Name)
		e.InfoCount = u.infosEmitted
		return e
	default:
		e := events.NewTestEvent(events.TestSucceeded, u.ord, u.suiteID, u.spec.Name)
		e.InfoCount = u.infosEmitted
		return e
	}
}

func (u *testUnit) Abort(err error) {
	if u.terminalEmitted {
		return
	}
	if !u.startEmitted {
		if rerr := u.record(events.NewTestEvent(events.TestStarting, u.ord, u.suiteID, u.spec.Name)); rerr != nil {
			u.log.Error("Failed to emit test start during abort", "err", rerr)
			return
		}
		u.startEmitted = true
	}
	if rerr := u.record(events.NewTestFailed(u.ord, u.suiteID, u.spec.Name, err, u.infosEmitted)); rerr != nil {
		u.log.Error("Failed to emit test failure during abort", "err", rerr)
		return
	}
	u.terminalEmitted = true
}
