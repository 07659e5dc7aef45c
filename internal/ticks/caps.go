//go:build linux

package ticks

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// capabilities is the one-time probe result shared by every Counters
// instance in the process. Branching happens on these cached fields,
// never on re-derived kernel state.
type capabilities struct {
	pmu pmuConfig

	// supportsTxcp is true when the kernel accepts the IN_TXCP
	// filter on the measuring counter.
	supportsTxcp bool

	// reliableIocPeriod is true when PERF_EVENT_IOC_PERIOD can
	// re-arm an open counter. Kernels before 3.7 silently ignored
	// the new period; there the fd set is closed and reopened on
	// every reset instead.
	reliableIocPeriod bool

	// disableIsEnough is true when suspending interrupt generation
	// only needs PERF_EVENT_IOC_DISABLE on the interrupt fd.
	// Kernels before 4.7 required closing the whole fd set to keep
	// subsequent reads coherent.
	disableIsEnough bool
}

var (
	capsOnce sync.Once
	caps     capabilities
	capsErr  error
)

// detectCaps runs the capability probe exactly once per process and
// returns the cached result afterwards.
func detectCaps(log logrus.FieldLogger) (*capabilities, error) {
	capsOnce.Do(func() {
		caps, capsErr = probeCaps(log)
	})

	if capsErr != nil {
		return nil, capsErr
	}

	return &caps, nil
}

func probeCaps(log logrus.FieldLogger) (capabilities, error) {
	var c capabilities

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return c, fmt.Errorf("%w: opening /proc/cpuinfo: %w",
			ErrCounterUnavailable, err)
	}
	defer f.Close()

	id, err := parseCPUIdentity(f)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrCounterUnavailable, err)
	}

	pmu, ok := lookupPMU(id.Vendor, id.Family, id.Model)
	if !ok {
		return c, fmt.Errorf(
			"%w: unknown CPU %s family %d model %d",
			ErrCounterUnavailable, id.Vendor, id.Family, id.Model,
		)
	}

	c.pmu = pmu

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return c, fmt.Errorf("%w: uname: %w", ErrCounterUnavailable, err)
	}

	release := unix.ByteSliceToString(uts.Release[:])

	major, minor, err := parseKernelRelease(release)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrCounterUnavailable, err)
	}

	c.reliableIocPeriod = kernelAtLeast(major, minor, 3, 7)
	c.disableIsEnough = kernelAtLeast(major, minor, 4, 7)

	if pmu.AllowsTxcp && id.hasFlag("rtm") {
		c.supportsTxcp = probeTxcp(pmu)
	}

	log.WithFields(logrus.Fields{
		"pmu":                 pmu.Name,
		"kernel":              release,
		"txcp":                c.supportsTxcp,
		"reliable_ioc_period": c.reliableIocPeriod,
		"disable_is_enough":   c.disableIsEnough,
	}).Debug("Probed perf counter capabilities")

	return c, nil
}

// probeTxcp opens a throwaway self-targeted counter with the IN_TXCP
// filter. The kernel rejects the bit outright when it cannot honour
// it, so a successful open is the whole answer.
func probeTxcp(pmu pmuConfig) bool {
	attr := measureAttr(pmu, true)

	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return false
	}

	unix.Close(fd)

	return true
}

// parseKernelRelease extracts major.minor from a uname release string
// such as "6.8.0-41-generic".
func parseKernelRelease(release string) (major, minor int, err error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("malformed kernel release %q", release)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed kernel release %q", release)
	}

	// The minor component may carry a non-numeric suffix.
	minorStr := parts[1]
	for i, r := range minorStr {
		if r < '0' || r > '9' {
			minorStr = minorStr[:i]
			break
		}
	}

	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed kernel release %q", release)
	}

	return major, minor, nil
}

func kernelAtLeast(major, minor, wantMajor, wantMinor int) bool {
	if major != wantMajor {
		return major > wantMajor
	}

	return minor >= wantMinor
}
