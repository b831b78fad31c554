package reporter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-orderer/events"
	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
)

// feedSuite pushes a complete, ordered suite sub-stream into the sink.
func feedSuite(sink *CollectingSink, suiteID string, outcomes map[string]events.Kind, order []string, aborted bool) {
	ord := ordinal.New(1)
	sink.Dispatch(events.New(events.SuiteStarting, ord, suiteID))
	for _, name := range order {
		ord = ord.Next()
		sink.Dispatch(events.NewTestEvent(events.TestStarting, ord, suiteID, name))
		ord = ord.Next()
		sink.Dispatch(events.NewTestEvent(outcomes[name], ord, suiteID, name))
	}
	ord = ord.Next()
	terminal := events.SuiteCompleted
	if aborted {
		terminal = events.SuiteAborted
	}
	sink.Dispatch(events.New(terminal, ord, suiteID))
}

func TestCollectingSink_BuildsRunResult(t *testing.T) {
	sink := NewCollectingSink()

	feedSuite(sink, "Calc", map[string]events.Kind{
		"add": events.TestSucceeded,
		"sub": events.TestFailed,
	}, []string{"add", "sub"}, false)
	feedSuite(sink, "IO", map[string]events.Kind{
		"read": events.TestIgnored,
	}, []string{"read"}, false)

	result := sink.Result()
	require.Len(t, result.Suites, 2)

	calc := result.Suites[0]
	assert.Equal(t, "Calc", calc.ID)
	assert.Equal(t, TestStatusFail, calc.Status)
	require.Len(t, calc.Tests, 2)
	assert.Equal(t, "add", calc.Tests[0].Name)
	assert.Equal(t, TestStatusPass, calc.Tests[0].Status)
	assert.Equal(t, TestStatusFail, calc.Tests[1].Status)

	io := result.Suites[1]
	assert.Equal(t, TestStatusSkip, io.Status, "a suite with only skipped tests is skipped")

	assert.Equal(t, RunStats{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, result.Stats)
	assert.Equal(t, TestStatusFail, result.Status())
}

func TestCollectingSink_AbortedSuiteFailsRun(t *testing.T) {
	sink := NewCollectingSink()
	feedSuite(sink, "A", map[string]events.Kind{"t": events.TestSucceeded}, []string{"t"}, true)

	result := sink.Result()
	require.Len(t, result.Suites, 1)
	assert.True(t, result.Suites[0].Aborted)
	assert.Equal(t, TestStatusFail, result.Suites[0].Status)
	assert.Equal(t, TestStatusFail, result.Status())
}

func TestCollectingSink_OrderedPreservesStream(t *testing.T) {
	sink := NewCollectingSink()
	feedSuite(sink, "A", map[string]events.Kind{"t1": events.TestSucceeded}, []string{"t1"}, false)

	got := sink.Ordered()
	require.Len(t, got, 4)
	assert.Equal(t, events.SuiteStarting, got[0].Kind)
	assert.Equal(t, events.TestStarting, got[1].Kind)
	assert.Equal(t, events.TestSucceeded, got[2].Kind)
	assert.Equal(t, events.SuiteCompleted, got[3].Kind)
}

func TestRunResult_StatusRollup(t *testing.T) {
	empty := &RunResult{}
	assert.Equal(t, TestStatusSkip, empty.Status())

	pass := &RunResult{Stats: RunStats{Total: 1, Passed: 1}}
	assert.Equal(t, TestStatusPass, pass.Status())

	fail := &RunResult{Stats: RunStats{Total: 2, Passed: 1, Failed: 1}}
	assert.Equal(t, TestStatusFail, fail.Status())
}

func TestMultiSink_FansOut(t *testing.T) {
	a := NewCollectingSink()
	b := NewCollectingSink()
	multi := NewMultiSink(a, b)

	e := events.NewTestFailed(ordinal.New(1), "S", "t", errors.New("boom"), 0)
	multi.Dispatch(events.New(events.SuiteStarting, ordinal.New(1), "S"))
	multi.Dispatch(e)

	assert.Len(t, a.Ordered(), 2)
	assert.Len(t, b.Ordered(), 2)
	assert.Equal(t, "boom", a.Ordered()[1].Message)
}

func TestLogSink_DispatchDoesNotPanic(t *testing.T) {
	sink := NewLogSink(nil)
	sink.Dispatch(events.New(events.SuiteStarting, ordinal.New(1), "S"))
	e := events.NewInfo(ordinal.New(1).Next(), "S", "t", "\x1b[31mred text\x1b[0m")
	sink.Dispatch(e)
}
