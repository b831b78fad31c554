// Package sorting reconstructs a deterministic lifecycle event order out of
// the unordered interleavings produced by concurrent suite and test
// execution. It buffers events in per-suite and per-test slots and releases
// them to the downstream sink strictly in submission (or declared) order,
// without serializing the execution that produces them.
package sorting

import "github.com/ethereum-optimism/infra/op-orderer/events"

// Sink consumes the final, fully ordered event stream. Dispatch is invoked
// from whichever goroutine happens to complete the last missing piece of a
// slot, so implementations must be safe for concurrent use or serialize
// internally.
type Sink interface {
	Dispatch(e events.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e events.Event)

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(e events.Event) {
	f(e)
}
