package sorting

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
)

// captureSink records dispatched events for later assertions. It is safe for
// concurrent use, as the Sink contract requires.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Dispatch(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// describe renders "Kind(test)" strings so ordering assertions read well in
// failure output.
func (s *captureSink) describe() []string {
	var out []string
	for _, e := range s.snapshot() {
		if e.TestName != "" {
			out = append(out, fmt.Sprintf("%s(%s)", e.Kind, e.TestName))
		} else {
			out = append(out, e.Kind.String())
		}
	}
	return out
}

func newTestGate(t *testing.T, declared []string, timeout time.Duration) (*TestSortingGate, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	gate := NewTestSortingGate(TestGateConfig{
		SuiteID:       "suite-1",
		DeclaredOrder: declared,
		SlotTimeout:   timeout,
		Sink:          sink,
	})
	t.Cleanup(gate.Stop)
	return gate, sink
}

// record runs a started/terminal pair through the gate.
func recordTest(t *testing.T, g *TestSortingGate, ord *ordinal.Ordinal, name string, terminal events.Kind) {
	t.Helper()
	require.NoError(t, g.RecordEvent(events.NewTestEvent(events.TestStarting, *ord, "suite-1", name)))
	*ord = ord.Next()
	require.NoError(t, g.RecordEvent(events.NewTestEvent(terminal, *ord, "suite-1", name)))
	*ord = ord.Next()
}

func TestTestSortingGate_DeclaredOrderPreserved(t *testing.T) {
	gate, sink := newTestGate(t, []string{"t1", "t2", "t3"}, -1)
	ord := ordinal.New(1)

	// Execution interleaving: t3 finishes first, then t1, then t2.
	recordTest(t, gate, &ord, "t3", events.TestSucceeded)
	assert.Empty(t, sink.snapshot(), "t3 must be withheld while t1 and t2 are outstanding")

	recordTest(t, gate, &ord, "t1", events.TestSucceeded)
	recordTest(t, gate, &ord, "t2", events.TestSucceeded)

	assert.Equal(t, []string{
		"TestStarting(t1)", "TestSucceeded(t1)",
		"TestStarting(t2)", "TestSucceeded(t2)",
		"TestStarting(t3)", "TestSucceeded(t3)",
	}, sink.describe())
	assert.True(t, gate.Finished())
}

func TestTestSortingGate_FirstStartOrderWhenNoDeclaredOrder(t *testing.T) {
	gate, sink := newTestGate(t, nil, -1)
	ord := ordinal.New(1)

	// alpha starts first but finishes last.
	require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", "alpha")))
	ord = ord.Next()
	recordTest(t, gate, &ord, "beta", events.TestSucceeded)
	assert.Empty(t, sink.snapshot(), "beta must wait behind alpha, which started first")

	require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestFailed, ord, "suite-1", "alpha")))

	assert.Equal(t, []string{
		"TestStarting(alpha)", "TestFailed(alpha)",
		"TestStarting(beta)", "TestSucceeded(beta)",
	}, sink.describe())
	assert.True(t, gate.Finished())
}

func TestTestSortingGate_InfoCountGatesReadiness(t *testing.T) {
	gate, sink := newTestGate(t, []string{"t1"}, -1)
	ord := ordinal.New(1)

	require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", "t1")))
	ord = ord.Next()

	// Terminal event declares two associated info events.
	term := events.NewTestEvent(events.TestSucceeded, ord.Next().Next(), "suite-1", "t1")
	term.InfoCount = 2
	require.NoError(t, gate.RecordEvent(term))
	assert.Empty(t, sink.snapshot(), "slot must wait for its declared info events")

	require.NoError(t, gate.RecordEvent(events.NewInfo(ord.Next(), "suite-1", "t1", "second message")))
	assert.Empty(t, sink.snapshot())

	require.NoError(t, gate.RecordEvent(events.NewInfo(ord, "suite-1", "t1", "first message")))

	got := sink.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, events.TestStarting, got[0].Kind)
	// Info events come out in ordinal order even though they arrived reversed.
	assert.Equal(t, "first message", got[1].Message)
	assert.Equal(t, "second message", got[2].Message)
	assert.Equal(t, events.TestSucceeded, got[3].Kind)
}

func TestTestSortingGate_FreeFloatingInfoAttachesToNextOpenSlot(t *testing.T) {
	gate, sink := newTestGate(t, []string{"t1", "t2"}, -1)
	ord := ordinal.New(1)

	require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", "t1")))
	ord = ord.Next()

	// No test name: the scope message belongs to the next slot still awaiting
	// its terminal event, i.e. t1.
	require.NoError(t, gate.RecordEvent(events.NewInfo(ord, "suite-1", "", "scope message")))
	ord = ord.Next()

	require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestSucceeded, ord, "suite-1", "t1")))
	ord = ord.Next()
	recordTest(t, gate, &ord, "t2", events.TestSucceeded)

	desc := sink.describe()
	require.Len(t, desc, 5)
	assert.Equal(t, "TestStarting(t1)", desc[0])
	assert.Equal(t, "InfoProvided", desc[1])
	assert.Equal(t, "TestSucceeded(t1)", desc[2])
}

func TestTestSortingGate_FreeFloatingInfoPassesThroughEmptyGate(t *testing.T) {
	gate, sink := newTestGate(t, nil, -1)

	require.NoError(t, gate.RecordEvent(events.NewInfo(ordinal.New(1), "suite-1", "", "no slots yet")))

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "no slots yet", got[0].Message)
}

func TestTestSortingGate_ProtocolViolations(t *testing.T) {
	ord := ordinal.New(1)

	t.Run("duplicate start", func(t *testing.T) {
		gate, _ := newTestGate(t, nil, -1)
		require.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", "t1")))
		err := gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord.Next(), "suite-1", "t1"))
		require.Error(t, err)
		assert.True(t, IsProtocolViolation(err))
	})

	t.Run("terminal without start", func(t *testing.T) {
		gate, _ := newTestGate(t, nil, -1)
		err := gate.RecordEvent(events.NewTestEvent(events.TestSucceeded, ord, "suite-1", "ghost"))
		require.Error(t, err)
		assert.True(t, IsProtocolViolation(err))
		assert.Contains(t, err.Error(), "never-started")
	})

	t.Run("undeclared test in declared mode", func(t *testing.T) {
		gate, _ := newTestGate(t, []string{"t1"}, -1)
		err := gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", "intruder"))
		require.Error(t, err)
		assert.True(t, IsProtocolViolation(err))
	})

	t.Run("info for unknown test", func(t *testing.T) {
		gate, _ := newTestGate(t, nil, -1)
		err := gate.RecordEvent(events.NewInfo(ord, "suite-1", "ghost", "msg"))
		require.Error(t, err)
		assert.True(t, IsProtocolViolation(err))
	})

	t.Run("suite event routed into test gate", func(t *testing.T) {
		gate, _ := newTestGate(t, nil, -1)
		err := gate.RecordEvent(events.New(events.SuiteCompleted, ord, "suite-1"))
		require.Error(t, err)
		assert.True(t, IsProtocolViolation(err))
	})
}

func TestTestSortingGate_TimeoutForcesStuckSlot(t *testing.T) {
	gate, sink := newTestGate(t, []string{"hung", "fast"}, 100*time.Millisecond)
	ord := ordinal.New(1)

	// "fast" completes; "hung" never produces any event.
	recordTest(t, gate, &ord, "fast", events.TestSucceeded)
	assert.Empty(t, sink.snapshot())
	assert.False(t, gate.Finished())

	require.Eventually(t, gate.Finished, time.Second, 5*time.Millisecond,
		"stuck head slot must be force-promoted by the timeout")

	desc := sink.describe()
	require.Equal(t, []string{
		"TestStarting(hung)", "TestCanceled(hung)",
		"TestStarting(fast)", "TestSucceeded(fast)",
	}, desc)

	got := sink.snapshot()
	assert.True(t, got[0].Synthetic, "forced start must be flagged synthetic")
	assert.True(t, got[1].Synthetic, "forced terminal must be flagged synthetic")
	assert.False(t, got[2].Synthetic)
}

func TestTestSortingGate_NoForcingBeforeFirstEvent(t *testing.T) {
	// The gate is built at submission time, possibly long before a worker
	// picks the suite up. The slot clock must not run while the suite is
	// still queued, or healthy declared tests would be promoted as
	// synthetic cancels and their real events rejected afterwards.
	gate, sink := newTestGate(t, []string{"t1", "t2"}, 50*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
	assert.False(t, gate.Finished())

	ord := ordinal.New(1)
	recordTest(t, gate, &ord, "t1", events.TestSucceeded)
	recordTest(t, gate, &ord, "t2", events.TestSucceeded)

	require.True(t, gate.Finished())
	for _, e := range sink.snapshot() {
		assert.False(t, e.Synthetic)
	}
}

func TestTestSortingGate_FlushReadyIdempotent(t *testing.T) {
	gate, sink := newTestGate(t, []string{"t1"}, -1)
	ord := ordinal.New(1)
	recordTest(t, gate, &ord, "t1", events.TestSucceeded)

	before := len(sink.snapshot())
	gate.FlushReady()
	gate.FlushReady()
	assert.Equal(t, before, len(sink.snapshot()), "flush without new ready slots must not re-dispatch")
}

func TestTestSortingGate_CompletionAccounting(t *testing.T) {
	gate, _ := newTestGate(t, []string{"t1", "t2"}, -1)
	ord := ordinal.New(1)

	assert.False(t, gate.Finished())
	recordTest(t, gate, &ord, "t1", events.TestSucceeded)
	assert.False(t, gate.Finished(), "t2's terminal event is still outstanding")
	recordTest(t, gate, &ord, "t2", events.TestIgnored)
	assert.True(t, gate.Finished())
}

// TestTestSortingGate_ConcurrentRecording hammers the gate from several
// goroutines, one per declared test, and verifies the final dispatch order
// still matches the declared order.
func TestTestSortingGate_ConcurrentRecording(t *testing.T) {
	const n = 16
	declared := make([]string, n)
	for i := range declared {
		declared[i] = fmt.Sprintf("t%02d", i)
	}
	gate, sink := newTestGate(t, declared, time.Minute)

	base := ordinal.New(1)
	var wg sync.WaitGroup
	for i, name := range declared {
		branch, cont := base.NextNewBranch()
		base = cont
		wg.Add(1)
		go func(i int, name string, ord ordinal.Ordinal) {
			defer wg.Done()
			assert.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestStarting, ord, "suite-1", name)))
			time.Sleep(time.Duration(i%4) * time.Millisecond)
			assert.NoError(t, gate.RecordEvent(events.NewTestEvent(events.TestSucceeded, ord.Next(), "suite-1", name)))
		}(i, name, branch)
	}
	wg.Wait()

	require.True(t, gate.Finished())
	desc := sink.describe()
	require.Len(t, desc, 2*n)
	for i, name := range declared {
		assert.Equal(t, fmt.Sprintf("TestStarting(%s)", name), desc[2*i])
		assert.Equal(t, fmt.Sprintf("TestSucceeded(%s)", name), desc[2*i+1])
	}
}
