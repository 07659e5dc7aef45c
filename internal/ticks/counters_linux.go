//go:build linux

package ticks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultSignal is the time-slice signal delivered when the tick
// period elapses. SIGSTKFLT is unused by Linux itself, so tracees are
// unlikely to care about it.
const DefaultSignal = int(unix.SIGSTKFLT)

type counters struct {
	log   logrus.FieldLogger
	stats *Stats

	tid    int
	extra  bool
	signal int

	caps *capabilities

	// Separate fds for counting ticks and for generating the
	// interrupt. The measuring counter filters out ticks in
	// aborted hardware transactions (when the PMU can) but cannot
	// sample; the interrupt counter samples but cannot filter.
	fdTicksMeasure   scopedFd
	fdTicksInterrupt scopedFd
	fdPageFaults     scopedFd
	fdHwInterrupts   scopedFd
	fdInstructions   scopedFd

	// interruptRing is a minimal (one data page) sample buffer
	// mapped on the interrupt fd. Without it the kernel reports
	// the fd as permanently POLLHUP and TicksInterruptFd could
	// never be multiplexed in a poll set.
	interruptRing []byte

	counting bool
}

// New creates counters bound to the given task id. No fds are opened
// until the first Reset, so construction cannot fail on counter
// availability. stats may be nil.
func New(log logrus.FieldLogger, tid int, cfg Config, stats *Stats) Counters {
	sig := cfg.Signal
	if sig == 0 {
		sig = DefaultSignal
	}

	return &counters{
		log:              log.WithField("component", "ticks"),
		stats:            stats,
		tid:              tid,
		extra:            cfg.ExtraEnabled,
		signal:           sig,
		fdTicksMeasure:   invalidFd(),
		fdTicksInterrupt: invalidFd(),
		fdPageFaults:     invalidFd(),
		fdHwInterrupts:   invalidFd(),
		fdInstructions:   invalidFd(),
	}
}

func (c *counters) Reset(period Ticks) error {
	// A zero sample period disables sampling at the kernel level.
	// Arming with 1 preserves the fire-as-soon-as-it-runs intent.
	if period == 0 {
		period = 1
	}

	c.counting = false

	switch {
	case !c.opened():
		if err := c.open(period); err != nil {
			return err
		}

		c.stats.Record(OpOpen)
	case c.caps.reliableIocPeriod:
		if err := c.reprogram(period); err != nil {
			c.teardown()

			return err
		}
	default:
		// IOC_PERIOD is not trustworthy here; a fresh fd set
		// is always correct.
		c.teardown()

		if err := c.open(period); err != nil {
			if errors.Is(err, ErrCounterUnavailable) {
				err = fmt.Errorf("%w: %w", ErrReprogramFailed, err)
			}

			return err
		}

		c.stats.Record(OpOpen)
	}

	if err := c.enable(period); err != nil {
		c.teardown()

		return err
	}

	c.counting = true
	c.stats.Record(OpReset)

	return nil
}

func (c *counters) Stop() {
	if !c.opened() {
		c.counting = false

		return
	}

	c.teardown()
	c.counting = false
}

func (c *counters) StopCounting() {
	c.counting = false

	if !c.opened() {
		return
	}

	if c.caps.disableIsEnough {
		if err := ioctl(c.fdTicksInterrupt.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			c.log.WithError(err).WithField("tid", c.tid).
				Debug("Disabling interrupt counter failed")
		}

		return
	}

	// This kernel needs the counters actually gone; the next Reset
	// reopens them.
	c.teardown()
}

func (c *counters) SetTid(tid int) error {
	if c.opened() {
		return fmt.Errorf(
			"cannot rebind tid %d to %d while counters are open",
			c.tid, tid,
		)
	}

	c.tid = tid

	return nil
}

func (c *counters) ReadTicks() (Ticks, error) {
	if !c.fdTicksMeasure.valid() {
		c.stats.Record(OpReadError)

		return 0, fmt.Errorf(
			"%w: counters for tid %d are not open", ErrReadFailed, c.tid,
		)
	}

	v, err := readCounter(c.fdTicksMeasure.fd)
	if err != nil {
		c.stats.Record(OpReadError)

		return 0, fmt.Errorf(
			"%w: reading tick counter for tid %d: %w",
			ErrReadFailed, c.tid, err,
		)
	}

	c.stats.Record(OpTicksRead)

	return Ticks(v), nil
}

func (c *counters) ReadExtra() Extra {
	var extra Extra

	if !c.extra || !c.opened() {
		return extra
	}

	extra.PageFaults = c.readDiagnostic(c.fdPageFaults, "page_faults")
	extra.HwInterrupts = c.readDiagnostic(c.fdHwInterrupts, "hw_interrupts")
	extra.InstructionsRetired = c.readDiagnostic(c.fdInstructions, "instructions_retired")

	c.stats.Record(OpExtraRead)

	return extra
}

func (c *counters) TicksInterruptFd() int {
	return c.fdTicksInterrupt.fd
}

func (c *counters) Counting() bool {
	return c.counting
}

func (c *counters) Skid() Ticks {
	if c.caps == nil {
		return 0
	}

	return c.caps.pmu.SkidSize
}

func (c *counters) opened() bool {
	return c.fdTicksInterrupt.valid()
}

// open brings up the whole fd set for the bound tid. Any partial
// failure tears down everything already opened.
func (c *counters) open(period Ticks) error {
	cp, err := detectCaps(c.log)
	if err != nil {
		return err
	}

	c.caps = cp

	success := false

	defer func() {
		if !success {
			c.closeAll()
		}
	}()

	iattr := interruptAttr(cp.pmu, uint64(period))
	if err := c.openInto(&c.fdTicksInterrupt, &iattr, "interrupt"); err != nil {
		return err
	}

	ring, err := unix.Mmap(
		c.fdTicksInterrupt.fd, 0, (1+1)*os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED,
	)
	if err != nil {
		return fmt.Errorf(
			"%w: mapping interrupt sample buffer for tid %d: %w",
			ErrCounterUnavailable, c.tid, err,
		)
	}

	c.interruptRing = ring

	if err := c.armSignal(); err != nil {
		return err
	}

	mattr := measureAttr(cp.pmu, cp.supportsTxcp)
	if err := c.openInto(&c.fdTicksMeasure, &mattr, "measure"); err != nil {
		return err
	}

	if c.extra {
		pf := softwareAttr(unix.PERF_COUNT_SW_PAGE_FAULTS)
		if err := c.openInto(&c.fdPageFaults, &pf, "page_faults"); err != nil {
			return err
		}

		ins := rawAttr(cp.pmu.InstructionsEvent)
		if err := c.openInto(&c.fdInstructions, &ins, "instructions"); err != nil {
			return err
		}

		if cp.pmu.HwInterruptsEvent != 0 {
			hi := rawAttr(cp.pmu.HwInterruptsEvent)
			if err := c.openInto(&c.fdHwInterrupts, &hi, "hw_interrupts"); err != nil {
				return err
			}
		}
	}

	success = true

	return nil
}

func (c *counters) openInto(dst *scopedFd, attr *unix.PerfEventAttr, kind string) error {
	fd, err := unix.PerfEventOpen(attr, c.tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EACCES) {
			err = fmt.Errorf(
				"%w (check /proc/sys/kernel/perf_event_paranoid)", err,
			)
		}

		return fmt.Errorf(
			"%w: opening %s counter for tid %d: %w",
			ErrCounterUnavailable, kind, c.tid, err,
		)
	}

	dst.fd = fd

	c.log.WithFields(logrus.Fields{
		"tid":  c.tid,
		"kind": kind,
		"fd":   fd,
	}).Debug("Opened perf counter")

	return nil
}

// armSignal routes the interrupt fd's overflow notification to the
// monitored task as the configured signal. The fd ownership must point
// at the task itself: the tracer learns about the stop through its
// normal stop-notification path, not through its own signal handlers.
func (c *counters) armSignal() error {
	if c.signal == SignalNone {
		return nil
	}

	fd := c.fdTicksInterrupt.fd

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, unix.O_ASYNC); err != nil {
		return fmt.Errorf("%w: F_SETFL O_ASYNC: %w", ErrCounterUnavailable, err)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, c.signal); err != nil {
		return fmt.Errorf("%w: F_SETSIG: %w", ErrCounterUnavailable, err)
	}

	owner := fOwnerEx{Type: fOwnerTID, Tid: int32(c.tid)}

	_, _, errno := unix.Syscall(
		unix.SYS_FCNTL,
		uintptr(fd),
		uintptr(unix.F_SETOWN_EX),
		uintptr(unsafe.Pointer(&owner)),
	)
	if errno != 0 {
		return fmt.Errorf("%w: F_SETOWN_EX tid %d: %w",
			ErrCounterUnavailable, c.tid, errno)
	}

	return nil
}

// reprogram re-arms the already-open fd set in place.
func (c *counters) reprogram(period Ticks) error {
	p := uint64(period)

	if err := ioctl(
		c.fdTicksInterrupt.fd,
		unix.PERF_EVENT_IOC_PERIOD,
		uintptr(unsafe.Pointer(&p)),
	); err != nil {
		return fmt.Errorf(
			"%w: setting period %d for tid %d: %w",
			ErrReprogramFailed, period, c.tid, err,
		)
	}

	for _, fd := range c.openFds() {
		if err := ioctl(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			return fmt.Errorf(
				"%w: zeroing counter for tid %d: %w",
				ErrReprogramFailed, c.tid, err,
			)
		}
	}

	return nil
}

// enable starts all counters. The interrupt fd is enabled through
// IOC_REFRESH(1) so the kernel disarms it after a single overflow:
// exactly one notification per Reset.
func (c *counters) enable(period Ticks) error {
	for _, fd := range c.openFds() {
		if fd == c.fdTicksInterrupt.fd {
			continue
		}

		if err := ioctl(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf(
				"%w: enabling counter for tid %d: %w",
				ErrReprogramFailed, c.tid, err,
			)
		}
	}

	if err := ioctl(c.fdTicksInterrupt.fd, unix.PERF_EVENT_IOC_REFRESH, 1); err != nil {
		return fmt.Errorf(
			"%w: arming interrupt for tid %d after %d ticks: %w",
			ErrReprogramFailed, c.tid, period, err,
		)
	}

	return nil
}

func (c *counters) readDiagnostic(fd scopedFd, kind string) int64 {
	if !fd.valid() {
		return 0
	}

	v, err := readCounter(fd.fd)
	if err != nil {
		// Diagnostics never fail; degraded data reads as zero.
		c.log.WithError(err).WithFields(logrus.Fields{
			"tid":  c.tid,
			"kind": kind,
		}).Debug("Diagnostic counter read failed")

		return 0
	}

	return int64(v)
}

func (c *counters) openFds() []int {
	fds := make([]int, 0, 5)

	for _, s := range []scopedFd{
		c.fdTicksInterrupt,
		c.fdTicksMeasure,
		c.fdPageFaults,
		c.fdHwInterrupts,
		c.fdInstructions,
	} {
		if s.valid() {
			fds = append(fds, s.fd)
		}
	}

	return fds
}

func (c *counters) closeAll() {
	if c.interruptRing != nil {
		if err := unix.Munmap(c.interruptRing); err != nil {
			c.log.WithError(err).
				Debug("Unmapping interrupt sample buffer failed")
		}

		c.interruptRing = nil
	}

	for _, s := range []*scopedFd{
		&c.fdTicksInterrupt,
		&c.fdTicksMeasure,
		&c.fdPageFaults,
		&c.fdHwInterrupts,
		&c.fdInstructions,
	} {
		s.close(c.log)
	}
}

// teardown closes the whole fd set and accounts the close, so every
// path that discards open counters shows up in the stats the same way.
func (c *counters) teardown() {
	c.closeAll()
	c.stats.Record(OpClose)
}

// scopedFd owns one kernel counter fd; -1 means closed.
type scopedFd struct {
	fd int
}

func invalidFd() scopedFd {
	return scopedFd{fd: -1}
}

func (s *scopedFd) valid() bool {
	return s.fd >= 0
}

func (s *scopedFd) close(log logrus.FieldLogger) {
	if s.fd < 0 {
		return
	}

	// Nothing useful can be done with a close error.
	if err := unix.Close(s.fd); err != nil {
		log.WithError(err).WithField("fd", s.fd).
			Debug("Closing perf counter fd failed")
	}

	s.fd = -1
}

// fOwnerTID is the F_OWNER_TID owner type from the Linux uapi;
// golang.org/x/sys/unix exports F_SETOWN_EX but not the owner types.
const fOwnerTID = 0

type fOwnerEx struct {
	Type int32
	Tid  int32
}

// readCounter reads the current 64-bit value of a counter fd,
// retrying once when the kernel interrupts the read itself.
func readCounter(fd int) (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(fd, buf[:])
	if errors.Is(err, unix.EINTR) {
		n, err = unix.Read(fd, buf[:])
	}

	if err != nil {
		return 0, err
	}

	if n != len(buf) {
		return 0, fmt.Errorf("short counter read: %d bytes", n)
	}

	return binary.NativeEndian.Uint64(buf[:]), nil
}

func ioctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno == unix.EINTR {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	}

	if errno != 0 {
		return errno
	}

	return nil
}

// measureAttr builds the attr for the authoritative tick counter. It
// is pinned so multiplexing can never steal it, and filters ticks in
// aborted transactions when the PMU supports IN_TXCP.
func measureAttr(pmu pmuConfig, txcp bool) unix.PerfEventAttr {
	config := pmu.TicksEvent
	if txcp {
		config |= inTxcpBit
	}

	attr := rawAttr(config)
	attr.Bits |= unix.PerfBitPinned

	return attr
}

// interruptAttr builds the attr for the interrupt-generating counter.
// It counts the same event without the transaction filter, which is
// why its value may overshoot the measuring counter slightly.
func interruptAttr(pmu pmuConfig, period uint64) unix.PerfEventAttr {
	attr := rawAttr(pmu.TicksEvent)
	attr.Sample = period
	attr.Wakeup = 1

	return attr
}

func rawAttr(config uint64) unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_RAW,
		Config: config,
		Bits: unix.PerfBitDisabled |
			unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeGuest,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	return attr
}

func softwareAttr(config uint64) unix.PerfEventAttr {
	attr := rawAttr(config)
	attr.Type = unix.PERF_TYPE_SOFTWARE

	return attr
}
