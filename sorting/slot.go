package sorting

// SlotState tracks the lifecycle of a buffered slot in either gate.
// Transitions are monotonic: Open -> PendingSubOrdering -> Ready -> Flushed,
// with PendingSubOrdering only occurring for suite slots that own a test
// sorting gate.
type SlotState int

const (
	// SlotOpen means the slot has been created and is awaiting its terminal
	// event.
	SlotOpen SlotState = iota
	// SlotPendingSubOrdering means the terminal event has been seen but the
	// attached test sorting gate has not finished yet.
	SlotPendingSubOrdering
	// SlotReady means all conditions are met and the slot can flush as soon
	// as it reaches the head of the FIFO.
	SlotReady
	// SlotFlushed is the terminal state; the slot's events have been handed
	// to the sink and the slot removed from the active list.
	SlotFlushed
)

func (s SlotState) String() string {
	switch s {
	case SlotOpen:
		return "open"
	case SlotPendingSubOrdering:
		return "pending-sub-ordering"
	case SlotReady:
		return "ready"
	case SlotFlushed:
		return "flushed"
	}
	return "unknown"
}
