//go:build linux

package ticks

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestCounters_InitialState(t *testing.T) {
	c := New(testLogger(), 12345, Config{}, nil)

	assert.False(t, c.Counting())
	assert.Equal(t, -1, c.TicksInterruptFd())

	_, err := c.ReadTicks()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadFailed))
}

func TestCounters_StopIdempotentBeforeOpen(t *testing.T) {
	c := New(testLogger(), 12345, Config{}, nil)

	c.Stop()
	c.Stop()

	assert.False(t, c.Counting())

	_, err := c.ReadTicks()
	assert.True(t, errors.Is(err, ErrReadFailed))
}

func TestCounters_SetTidWhileStopped(t *testing.T) {
	c := New(testLogger(), 12345, Config{}, nil)

	require.NoError(t, c.SetTid(54321))

	_, err := c.ReadTicks()
	assert.True(t, errors.Is(err, ErrReadFailed))
}

func TestCounters_ExtraDisabledReadsZero(t *testing.T) {
	c := New(testLogger(), 12345, Config{ExtraEnabled: false}, nil)

	assert.Equal(t, Extra{}, c.ReadExtra())

	// Still zeros after teardown.
	c.Stop()
	assert.Equal(t, Extra{}, c.ReadExtra())
}

func TestCounters_StopCountingBeforeOpen(t *testing.T) {
	c := New(testLogger(), 12345, Config{}, nil)

	c.StopCounting()

	assert.False(t, c.Counting())
}

// openSelfCounters arms counters against the calling thread, skipping
// the test when the perf subsystem is unavailable (paranoid setting,
// unknown PMU, missing permissions).
func openSelfCounters(t *testing.T, cfg Config, period Ticks, stats *Stats) Counters {
	t.Helper()

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	c := New(testLogger(), unix.Gettid(), cfg, stats)

	if err := c.Reset(period); err != nil {
		if errors.Is(err, ErrCounterUnavailable) {
			t.Skipf("perf counters unavailable: %v", err)
		}

		t.Fatalf("resetting counters: %v", err)
	}

	t.Cleanup(c.Stop)

	return c
}

func TestCounters_SelfTicks(t *testing.T) {
	stats := NewStats()

	// Period far beyond anything the test retires, so the
	// interrupt never fires while we run.
	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, stats)

	assert.True(t, c.Counting())
	assert.GreaterOrEqual(t, c.TicksInterruptFd(), 0)
	assert.NotZero(t, c.Skid())

	// Retire some conditional branches.
	sink := 0

	for i := 0; i < 100000; i++ {
		if i%3 == 0 {
			sink++
		}
	}

	_ = sink

	first, err := c.ReadTicks()
	require.NoError(t, err)
	assert.Greater(t, first, Ticks(0))

	for i := 0; i < 100000; i++ {
		if i%5 == 0 {
			sink++
		}
	}

	second, err := c.ReadTicks()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second, first)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap[OpOpen])
	assert.Equal(t, uint64(1), snap[OpReset])
	assert.Equal(t, uint64(2), snap[OpTicksRead])
}

func TestCounters_ResetZeroPeriod(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone}, 0, nil)

	// Armed as period 1; the counters must still be readable and
	// start from zero, not from some stale or huge value. Only the
	// branches between arming and this read can have retired.
	v, err := c.ReadTicks()
	require.NoError(t, err)
	assert.Less(t, v, Ticks(10000))
	assert.True(t, c.Counting())
}

func TestCounters_ResetZeroesTicks(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, nil)

	sink := 0
	for i := 0; i < 1000000; i++ {
		if i%3 == 0 {
			sink++
		}
	}

	_ = sink

	before, err := c.ReadTicks()
	require.NoError(t, err)
	require.Greater(t, before, Ticks(0))

	require.NoError(t, c.Reset(1<<60))

	after, err := c.ReadTicks()
	require.NoError(t, err)

	// The re-armed counter starts over; only the handful of
	// branches between Reset and ReadTicks can have retired.
	assert.Less(t, after, before)
}

func TestCounters_StopClosesEverything(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, nil)

	c.Stop()

	assert.False(t, c.Counting())
	assert.Equal(t, -1, c.TicksInterruptFd())

	_, err := c.ReadTicks()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadFailed))

	// Idempotent.
	c.Stop()
	assert.False(t, c.Counting())
}

func TestCounters_SetTidRequiresStop(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, nil)

	require.Error(t, c.SetTid(1))

	c.Stop()
	require.NoError(t, c.SetTid(unix.Gettid()))

	// Rebinding starts over from zero ticks on the next Reset.
	require.NoError(t, c.Reset(1<<60))

	v, err := c.ReadTicks()
	require.NoError(t, err)
	assert.Less(t, v, Ticks(1000000))
}

func TestCounters_StopCountingSilencesInterrupt(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, nil)

	c.StopCounting()

	assert.False(t, c.Counting())

	// A fresh Reset re-arms regardless of which suspension
	// strategy the kernel needed.
	require.NoError(t, c.Reset(1<<60))
	assert.True(t, c.Counting())

	_, err := c.ReadTicks()
	require.NoError(t, err)
}

func TestCounters_ExtraEnabled(t *testing.T) {
	c := openSelfCounters(t, Config{Signal: SignalNone, ExtraEnabled: true}, 1<<60, nil)

	// Touch fresh pages to generate page faults.
	pages := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		p := make([]byte, 4096)
		p[0] = byte(i)
		pages = append(pages, p)
	}

	_ = pages

	extra := c.ReadExtra()
	assert.GreaterOrEqual(t, extra.PageFaults, int64(0))
	assert.GreaterOrEqual(t, extra.InstructionsRetired, int64(1))
}

func TestCounters_InterruptFiresAfterPeriod(t *testing.T) {
	const period = 100000

	c := openSelfCounters(t, Config{Signal: SignalNone}, period, nil)

	// Retire well past the period, then poll the interrupt fd.
	sink := 0
	for i := 0; i < period*100; i++ {
		if i%2 == 0 {
			sink++
		}
	}

	_ = sink

	fds := []unix.PollFd{{
		Fd:     int32(c.TicksInterruptFd()),
		Events: unix.POLLIN,
	}}

	n, err := unix.Poll(fds, 5000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, fds[0].Revents&unix.POLLIN)

	v, err := c.ReadTicks()
	require.NoError(t, err)

	// The measuring counter is authoritative and must have seen at
	// least the period by the time the interrupt was raised.
	assert.GreaterOrEqual(t, v, Ticks(period))
}

func TestCounters_SignalDeliveredToOwningThread(t *testing.T) {
	const period = 100000

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.Signal(DefaultSignal))
	t.Cleanup(func() { signal.Stop(sigCh) })

	c := New(testLogger(), unix.Gettid(), Config{}, nil)

	if err := c.Reset(period); err != nil {
		if errors.Is(err, ErrCounterUnavailable) {
			t.Skipf("perf counters unavailable: %v", err)
		}

		t.Fatalf("resetting counters: %v", err)
	}

	t.Cleanup(c.Stop)

	// Retire branches until the overflow signal lands on this thread.
	received := false
	deadline := time.Now().Add(5 * time.Second)

	for !received && time.Now().Before(deadline) {
		sink := 0

		for i := 0; i < period*10; i++ {
			if i%2 == 0 {
				sink++
			}
		}

		_ = sink

		select {
		case <-sigCh:
			received = true
		default:
		}
	}

	require.True(t, received, "overflow signal never delivered")

	v, err := c.ReadTicks()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, Ticks(period))
}

func TestCounters_ReopenAccountsLifecycle(t *testing.T) {
	stats := NewStats()

	c := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, stats)

	// Every close-and-reopen cycle must book one close and one open,
	// whichever path discarded the fd set.
	c.Stop()
	require.NoError(t, c.Reset(1<<60))

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap[OpOpen])
	assert.Equal(t, uint64(1), snap[OpClose])
	assert.Equal(t, uint64(2), snap[OpReset])
}

func TestCounters_ResetFailureLeavesClosed(t *testing.T) {
	// Establish that perf itself works before provoking a failure.
	working := openSelfCounters(t, Config{Signal: SignalNone}, 1<<60, nil)
	working.Stop()

	// No task can have this tid; opening its counters must fail.
	c := New(testLogger(), 1<<22, Config{Signal: SignalNone}, nil)

	err := c.Reset(1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCounterUnavailable))

	// A failed Reset is fatal: nothing stays half-open behind it.
	assert.False(t, c.Counting())
	assert.Equal(t, -1, c.TicksInterruptFd())

	_, rerr := c.ReadTicks()
	require.Error(t, rerr)
	assert.True(t, errors.Is(rerr, ErrReadFailed))
}
