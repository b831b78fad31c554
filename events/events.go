// Package events defines the lifecycle event records exchanged between suite
// executors and the sorting gates. An Event is immutable once created; the
// Ordinal it carries is the ordering authority, the wall-clock timestamp is
// informational only.
package events

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-orderer/ordinal"
)

// Kind identifies the lifecycle event variant. The set is closed; switches
// over Kind should be exhaustive so that adding a variant is a
// compile-surface change, not a silently ignored runtime case.
type Kind int

const (
	SuiteStarting Kind = iota
	SuiteCompleted
	SuiteAborted
	TestStarting
	TestSucceeded
	TestFailed
	TestIgnored
	TestPending
	TestCanceled
	ScopeOpened
	ScopeClosed
	InfoProvided
	MarkupProvided
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case SuiteStarting:
		return "SuiteStarting"
	case SuiteCompleted:
		return "SuiteCompleted"
	case SuiteAborted:
		return "SuiteAborted"
	case TestStarting:
		return "TestStarting"
	case TestSucceeded:
		return "TestSucceeded"
	case TestFailed:
		return "TestFailed"
	case TestIgnored:
		return "TestIgnored"
	case TestPending:
		return "TestPending"
	case TestCanceled:
		return "TestCanceled"
	case ScopeOpened:
		return "ScopeOpened"
	case ScopeClosed:
		return "ScopeClosed"
	case InfoProvided:
		return "InfoProvided"
	case MarkupProvided:
		return "MarkupProvided"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsTerminalTest reports whether the kind closes out a single test.
func (k Kind) IsTerminalTest() bool {
	switch k {
	case TestSucceeded, TestFailed, TestIgnored, TestPending, TestCanceled:
		return true
	}
	return false
}

// IsTerminalSuite reports whether the kind closes out a whole suite.
func (k Kind) IsTerminalSuite() bool {
	return k == SuiteCompleted || k == SuiteAborted
}

// IsInfoLike reports whether the kind carries auxiliary content attached to a
// test or scope rather than a lifecycle transition.
func (k Kind) IsInfoLike() bool {
	switch k {
	case ScopeOpened, ScopeClosed, InfoProvided, MarkupProvided:
		return true
	}
	return false
}

// Event is one lifecycle event record. Exactly one terminal variant is
// produced per started (suiteID) or (suiteID, testName) pair.
type Event struct {
	Kind    Kind
	Ordinal ordinal.Ordinal

	// SuiteID is unique per suite instance within a run.
	SuiteID string

	// TestName is set for test-scoped events and for info events attached to
	// a named test; empty for suite-level and free-floating events.
	TestName string

	// Message carries human-readable payload for info, markup, scope and
	// failure events.
	Message string

	// Err is set on TestFailed and SuiteAborted events.
	Err error

	// InfoCount is carried on terminal test events and declares how many
	// associated info/markup events the sorter must collect before the test's
	// slot is complete.
	InfoCount int

	// Synthetic marks events fabricated by the sorting layer itself, e.g. a
	// forced terminal event for a slot that timed out.
	Synthetic bool

	// GoroutineLabel names the worker that produced the event.
	GoroutineLabel string

	// Timestamp is the wall-clock time of production. Informational only.
	Timestamp time.Time
}

// New constructs an event of the given kind with the shared fields populated.
func New(kind Kind, ord ordinal.Ordinal, suiteID string) Event {
	return Event{
		Kind:      kind,
		Ordinal:   ord,
		SuiteID:   suiteID,
		Timestamp: time.Now(),
	}
}

// NewTestEvent constructs a test-scoped event.
func NewTestEvent(kind Kind, ord ordinal.Ordinal, suiteID, testName string) Event {
	e := New(kind, ord, suiteID)
	e.TestName = testName
	return e
}

// NewTestFailed constructs the terminal failure event for a test.
func NewTestFailed(ord ordinal.Ordinal, suiteID, testName string, err error, infoCount int) Event {
	e := NewTestEvent(TestFailed, ord, suiteID, testName)
	e.Err = err
	if err != nil {
		e.Message = err.Error()
	}
	e.InfoCount = infoCount
	return e
}

// NewSuiteAborted constructs the terminal abort event for a suite.
func NewSuiteAborted(ord ordinal.Ordinal, suiteID string, err error) Event {
	e := New(SuiteAborted, ord, suiteID)
	e.Err = err
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// NewInfo constructs an info event. testName may be empty for free-floating
// scope messages.
func NewInfo(ord ordinal.Ordinal, suiteID, testName, message string) Event {
	e := NewTestEvent(InfoProvided, ord, suiteID, testName)
	e.Message = message
	return e
}

// String renders a compact debugging form of the event.
func (e Event) String() string {
	if e.TestName != "" {
		return fmt.Sprintf("%s(%s/%s)@%s", e.Kind, e.SuiteID, e.TestName, e.Ordinal)
	}
	return fmt.Sprintf("%s(%s)@%s", e.Kind, e.SuiteID, e.Ordinal)
}
