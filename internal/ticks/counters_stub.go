//go:build !linux

package ticks

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type counters struct {
	log logrus.FieldLogger
	tid int
}

// New creates counters bound to the given task id.
// On non-Linux platforms this returns a stub whose Reset always fails:
// tick counting needs the Linux perf subsystem.
func New(log logrus.FieldLogger, tid int, _ Config, _ *Stats) Counters {
	return &counters{
		log: log.WithField("component", "ticks"),
		tid: tid,
	}
}

func (c *counters) Reset(_ Ticks) error {
	return fmt.Errorf("%w: perf counters require Linux", ErrCounterUnavailable)
}

func (c *counters) Stop() {}

func (c *counters) StopCounting() {}

func (c *counters) SetTid(tid int) error {
	c.tid = tid

	return nil
}

func (c *counters) ReadTicks() (Ticks, error) {
	return 0, fmt.Errorf("%w: perf counters require Linux", ErrReadFailed)
}

func (c *counters) ReadExtra() Extra {
	return Extra{}
}

func (c *counters) TicksInterruptFd() int {
	return -1
}

func (c *counters) Counting() bool {
	return false
}

func (c *counters) Skid() Ticks {
	return 0
}
