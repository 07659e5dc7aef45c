// Package monitor drives per-thread tick counters for one target
// process: it plays the controlling-tracer role, arming counters while
// the target is stopped and multiplexing every interrupt fd in a
// single poll set.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/detrace/perfticks/internal/export"
	"github.com/detrace/perfticks/internal/task"
	"github.com/detrace/perfticks/internal/ticks"
)

// Monitor is the top-level orchestrator for perfticks.
type Monitor interface {
	// Start resolves the target, opens counters for its threads,
	// and begins observation.
	Start(ctx context.Context) error
	// Stop shuts down all counters and the metrics server.
	Stop() error
}

type monitor struct {
	log      logrus.FieldLogger
	cfg      *Config
	metrics  *export.Metrics
	resolver *task.Resolver
	stats    *ticks.Stats

	pid      int
	counters map[int]ticks.Counters

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Monitor.
func New(log logrus.FieldLogger, cfg *Config) (Monitor, error) {
	return &monitor{
		log:      log.WithField("component", "monitor"),
		cfg:      cfg,
		metrics:  export.NewMetrics(log, cfg.Metrics),
		resolver: task.NewResolver(log),
		stats:    ticks.NewStats(),
		counters: make(map[int]ticks.Counters, 16),
	}, nil
}

func (m *monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	if err := m.metrics.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}

	pid := m.cfg.Target.PID
	if pid <= 0 {
		var err error

		pid, err = m.resolver.FindByComm(m.cfg.Target.ProcessName)
		if err != nil {
			return fmt.Errorf("resolving target: %w", err)
		}
	}

	m.pid = pid

	tids, err := m.resolver.Threads(pid)
	if err != nil {
		return fmt.Errorf("enumerating threads: %w", err)
	}

	if len(tids) == 0 {
		return fmt.Errorf("pid %d has no threads", pid)
	}

	for _, tid := range tids {
		// The monitor consumes interrupts through the poll
		// multiplexer, so no signal is routed to the target.
		m.counters[tid] = ticks.New(m.log, tid, ticks.Config{
			ExtraEnabled: m.cfg.Ticks.ExtraEnabled,
			Signal:       ticks.SignalNone,
		}, m.stats)
	}

	if err := m.armAll(); err != nil {
		m.closeCounters()

		return err
	}

	m.metrics.TasksTracked.Set(float64(len(m.counters)))

	m.log.WithFields(logrus.Fields{
		"pid":     pid,
		"threads": len(tids),
		"period":  m.cfg.Ticks.Period,
	}).Info("Tick counters armed")

	m.wg.Add(1)

	go m.pollLoop(ctx)

	return nil
}

func (m *monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}

	m.wg.Wait()

	m.closeCounters()

	if m.metrics != nil {
		m.metrics.Stop()
	}

	return nil
}

// armAll resets every counter while the whole target is stopped, since
// re-programming a counter on a running task is undefined.
func (m *monitor) armAll() error {
	if err := m.pauseTarget(); err != nil {
		return err
	}
	defer m.resumeTarget()

	period := ticks.Ticks(m.cfg.Ticks.Period)

	for tid, c := range m.counters {
		if err := c.Reset(period); err != nil {
			m.metrics.ResetErrors.Inc()

			return fmt.Errorf("arming counters for tid %d: %w", tid, err)
		}
	}

	return nil
}

// rearm resets a single task's counters after its period elapsed.
func (m *monitor) rearm(tid int, c ticks.Counters) error {
	if err := m.pauseTarget(); err != nil {
		return err
	}
	defer m.resumeTarget()

	return c.Reset(ticks.Ticks(m.cfg.Ticks.Period))
}

func (m *monitor) pauseTarget() error {
	if err := unix.Kill(m.pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("stopping pid %d: %w", m.pid, err)
	}

	deadline := time.Now().Add(time.Second)

	for time.Now().Before(deadline) {
		stopped, err := task.Stopped(m.pid)
		if err != nil {
			return fmt.Errorf("waiting for pid %d to stop: %w", m.pid, err)
		}

		if stopped {
			return nil
		}

		time.Sleep(time.Millisecond)
	}

	return fmt.Errorf("pid %d did not stop", m.pid)
}

func (m *monitor) resumeTarget() {
	if err := unix.Kill(m.pid, unix.SIGCONT); err != nil {
		m.log.WithError(err).WithField("pid", m.pid).
			Warn("Failed to resume target")
	}
}

func (m *monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	timeout := int(m.cfg.PollInterval / time.Millisecond)
	if timeout <= 0 {
		timeout = 1000
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tids, fds := m.pollSet()
		if len(fds) == 0 {
			m.log.Info("No tasks left to monitor")

			return
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			m.log.WithError(err).Warn("Poll error")

			continue
		}

		if n > 0 {
			for i, pfd := range fds {
				if pfd.Revents&unix.POLLIN == 0 {
					continue
				}

				m.onInterrupt(tids[i])
			}
		}

		m.publish()
	}
}

// pollSet builds parallel slices of tids and poll fds for the current
// counter set.
func (m *monitor) pollSet() ([]int, []unix.PollFd) {
	tids := make([]int, 0, len(m.counters))
	fds := make([]unix.PollFd, 0, len(m.counters))

	for tid, c := range m.counters {
		fd := c.TicksInterruptFd()
		if fd < 0 {
			continue
		}

		tids = append(tids, tid)
		fds = append(fds, unix.PollFd{
			Fd:     int32(fd),
			Events: unix.POLLIN,
		})
	}

	return tids, fds
}

// onInterrupt handles one task's tick period expiring: record the
// authoritative count, then re-arm.
func (m *monitor) onInterrupt(tid int) {
	c := m.counters[tid]

	m.stats.Record(ticks.OpInterrupt)
	m.metrics.InterruptsTotal.WithLabelValues(strconv.Itoa(tid)).Inc()

	v, err := c.ReadTicks()
	if err != nil {
		m.dropTask(tid, err)

		return
	}

	m.log.WithFields(logrus.Fields{
		"tid":   tid,
		"ticks": v,
	}).Debug("Tick period elapsed")

	if err := m.rearm(tid, c); err != nil {
		m.metrics.ResetErrors.Inc()
		m.dropTask(tid, err)
	}
}

// dropTask stops tracking a task whose counters failed. Tick errors
// are fatal per task: the thread usually exited, and a partial count
// is worthless for progress tracking.
func (m *monitor) dropTask(tid int, err error) {
	m.log.WithError(err).WithField("tid", tid).
		Warn("Dropping task")

	if c, ok := m.counters[tid]; ok {
		c.Stop()
		delete(m.counters, tid)
	}

	m.metrics.TasksTracked.Set(float64(len(m.counters)))
}

// publish refreshes gauges and drains lifecycle stats into metrics.
func (m *monitor) publish() {
	for tid, c := range m.counters {
		label := strconv.Itoa(tid)

		v, err := c.ReadTicks()
		if err != nil {
			m.dropTask(tid, err)

			continue
		}

		m.metrics.Ticks.WithLabelValues(label).Set(float64(v))

		if m.cfg.Ticks.ExtraEnabled {
			extra := c.ReadExtra()
			m.metrics.PageFaults.WithLabelValues(label).
				Set(float64(extra.PageFaults))
			m.metrics.HwInterrupts.WithLabelValues(label).
				Set(float64(extra.HwInterrupts))
			m.metrics.InstructionsRetired.WithLabelValues(label).
				Set(float64(extra.InstructionsRetired))
		}
	}

	for op, count := range m.stats.Snapshot() {
		m.metrics.OpsTotal.WithLabelValues(op.String()).
			Add(float64(count))
	}
}

func (m *monitor) closeCounters() {
	for _, c := range m.counters {
		c.Stop()
	}

	m.counters = make(map[int]ticks.Counters)
}
