package ticks

import (
	"fmt"
	"sync/atomic"
)

// Op identifies a counter lifecycle operation for stats purposes.
type Op uint8

const (
	OpOpen Op = iota
	OpReset
	OpInterrupt
	OpTicksRead
	OpExtraRead
	OpReadError
	OpClose

	maxOp = OpClose
)

// String returns the human-readable name of the operation.
func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpReset:
		return "reset"
	case OpInterrupt:
		return "interrupt"
	case OpTicksRead:
		return "ticks_read"
	case OpExtraRead:
		return "extra_read"
	case OpReadError:
		return "read_error"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Stats provides lock-free per-operation counters shared by the
// Counters instances of one agent. Snapshot atomically reads and
// resets all counters, making it suitable for periodic reporting
// without contention.
type Stats struct {
	counts [maxOp + 1]atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record increments the counter for the given operation by one. A nil
// receiver is a no-op so instances without stats skip the bookkeeping.
func (s *Stats) Record(o Op) {
	if s == nil || o > maxOp {
		return
	}

	s.counts[o].Add(1)
}

// Snapshot atomically reads and resets all counters, returning a map
// of only non-zero entries.
func (s *Stats) Snapshot() map[Op]uint64 {
	result := make(map[Op]uint64, maxOp)

	if s == nil {
		return result
	}

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[Op(i)] = v
		}
	}

	return result
}
