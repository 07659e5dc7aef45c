package ticks

import "errors"

// Ticks counts occurrences of the monitored hardware event (retired
// conditional branches) since the last reset. It is the deterministic
// proxy for a task's execution progress.
type Ticks uint64

// Extra holds the optional diagnostic counters. Fields for disabled or
// unsupported counters are always zero, never omitted.
type Extra struct {
	PageFaults          int64
	HwInterrupts        int64
	InstructionsRetired int64
}

// SignalNone disables interrupt signal delivery entirely. The interrupt
// fd still becomes pollable on overflow, which is what callers that
// multiplex on TicksInterruptFd want.
const SignalNone = -1

// Config holds per-instance counter configuration, fixed at
// construction time.
type Config struct {
	// ExtraEnabled opens the diagnostic counters (page faults,
	// hardware interrupts, instructions retired). When false,
	// ReadExtra always returns zeros and no diagnostic fds are
	// opened.
	ExtraEnabled bool

	// Signal is the signal number delivered to the monitored task
	// when the tick period elapses. Zero selects the default
	// (SIGSTKFLT, which Linux itself never uses so tracees are
	// unlikely to either). SignalNone suppresses signal delivery.
	Signal int
}

var (
	// ErrCounterUnavailable means the kernel or hardware cannot
	// provide the primary tick counter. Fatal for the owning
	// tracing session; never retried internally.
	ErrCounterUnavailable = errors.New("hardware tick counter unavailable")

	// ErrReprogramFailed means re-arming an already-open counter
	// failed. Fatal for the same reason.
	ErrReprogramFailed = errors.New("reprogramming tick counter failed")

	// ErrReadFailed means the primary tick counter could not be
	// read while it was expected to be counting.
	ErrReadFailed = errors.New("tick counter read failed")
)

// Counters manages the kernel performance counters bound to a single
// task. The measuring and interrupt-generating counters are distinct
// kernel objects: the former excludes ticks inside aborted hardware
// transactions and is the authoritative tick count; the latter includes
// them but supports a sample period. All methods must be driven by the
// single control thread that owns the task's stops; none of them block.
type Counters interface {
	// Reset zeroes the tick count and programs the interrupt
	// counter to fire after period ticks. The fds are opened
	// lazily on the first call. Must be called while the task is
	// stopped, before it is allowed to run again. A period of 0 is
	// armed as 1: a zero sample period disables sampling at the
	// kernel level, the opposite of "fire immediately".
	Reset(period Ticks) error

	// Stop closes every counter fd. Idempotent; callable from any
	// state. A later Reset reopens them.
	Stop()

	// StopCounting suspends interrupt generation until the next
	// Reset. Depending on the kernel this either silences the
	// interrupt fd in place or closes the whole fd set; the choice
	// is made once by the capability probe.
	StopCounting()

	// SetTid rebinds to a new task id. Only legal after Stop.
	SetTid(tid int) error

	// ReadTicks returns the measuring counter's current value.
	// Fails with ErrReadFailed when the counters are not open.
	ReadTicks() (Ticks, error)

	// ReadExtra returns a snapshot of the diagnostic counters.
	// Best-effort: disabled, unsupported, or unreadable fields are
	// zero. Never fails.
	ReadExtra() Extra

	// TicksInterruptFd returns the fd that becomes readable when
	// the tick period elapses, for use in the caller's poll
	// multiplexer, or -1 when closed. Callers must not close it.
	TicksInterruptFd() int

	// Counting reports whether the instance believes it is
	// currently armed.
	Counting() bool

	// Skid returns the per-microarchitecture bound on how far the
	// observed tick count may overshoot the requested period when
	// the interrupt fires.
	Skid() Ticks
}
