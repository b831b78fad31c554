// Package ordinal provides the logical timestamps used to order lifecycle
// events within a run. Ordinals are immutable values: every advance returns a
// new Ordinal, so event producers thread them through their call chain instead
// of sharing a mutable counter.
package ordinal

import (
	"fmt"
	"strings"
)

// Ordinal is a logical timestamp. It consists of a run index followed by a
// monotonically extending path of sequence numbers, compared element-wise.
// Two ordinals from the same run are always comparable; a shorter path that
// is a prefix of a longer one sorts first, so events emitted by a forked
// branch sort after the fork point and before the parent's next event.
type Ordinal struct {
	path []uint64
}

// New returns the seed ordinal for a run. All ordinals produced during the
// run derive from it via Next and NextNewBranch.
func New(runIndex uint64) Ordinal {
	return Ordinal{path: []uint64{runIndex, 0}}
}

// RunIndex returns the run this ordinal belongs to.
func (o Ordinal) RunIndex() uint64 {
	if len(o.path) == 0 {
		return 0
	}
	return o.path[0]
}

// Next returns a new ordinal strictly greater than o. The receiver is not
// modified.
func (o Ordinal) Next() Ordinal {
	next := make([]uint64, len(o.path))
	copy(next, o.path)
	next[len(next)-1]++
	return Ordinal{path: next}
}

// NextNewBranch is used when one logical activity forks into concurrent
// children. It returns the seed ordinal for the new branch and the ordinal
// the parent continues with. Every ordinal derived from the branch seed sorts
// after o and before the continuation, so downstream sorting can treat the
// branch's events as nested between the parent's own events.
func (o Ordinal) NextNewBranch() (branch, continuation Ordinal) {
	seed := make([]uint64, len(o.path)+1)
	copy(seed, o.path)
	return Ordinal{path: seed}, o.Next()
}

// Compare returns -1, 0 or +1 depending on whether o sorts before, equal to
// or after other. Comparison is element-wise; if one path is a prefix of the
// other, the shorter sorts first.
func (o Ordinal) Compare(other Ordinal) int {
	n := len(o.path)
	if len(other.path) < n {
		n = len(other.path)
	}
	for i := 0; i < n; i++ {
		switch {
		case o.path[i] < other.path[i]:
			return -1
		case o.path[i] > other.path[i]:
			return 1
		}
	}
	switch {
	case len(o.path) < len(other.path):
		return -1
	case len(o.path) > len(other.path):
		return 1
	}
	return 0
}

// Less reports whether o sorts strictly before other.
func (o Ordinal) Less(other Ordinal) bool {
	return o.Compare(other) < 0
}

// Equal reports whether o and other are the same logical timestamp.
func (o Ordinal) Equal(other Ordinal) bool {
	return o.Compare(other) == 0
}

// Depth returns the number of fork levels below the run index.
func (o Ordinal) Depth() int {
	if len(o.path) < 2 {
		return 0
	}
	return len(o.path) - 2
}

// String renders the ordinal as a dotted path, e.g. "3.0.2".
func (o Ordinal) String() string {
	parts := make([]string, len(o.path))
	for i, v := range o.path {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ".")
}
