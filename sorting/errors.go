package sorting

import (
	"errors"
	"fmt"
)

// ProtocolViolationError indicates a miswired event producer: duplicate start
// events, terminal events for slots that never started, or events for suites
// the gate has never heard of. These are programming errors in the caller and
// are returned rather than swallowed, since ordering guarantees can no longer
// be trusted once the event protocol is broken.
type ProtocolViolationError struct {
	Gate     string // "suite" or "test"
	SuiteID  string
	TestName string
	Reason   string
}

func (e *ProtocolViolationError) Error() string {
	if e.TestName != "" {
		return fmt.Sprintf("event protocol violation (%s gate, suite %q, test %q): %s", e.Gate, e.SuiteID, e.TestName, e.Reason)
	}
	return fmt.Sprintf("event protocol violation (%s gate, suite %q): %s", e.Gate, e.SuiteID, e.Reason)
}

// IsProtocolViolation checks if the error is or wraps a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return err != nil && errors.As(err, &pv)
}
