package ticks

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// pmuConfig describes the counting events for one CPU
// microarchitecture. Event codes are raw perf configs
// (umask<<8 | event, with the enable/usr bits folded in).
type pmuConfig struct {
	Name string

	// TicksEvent counts retired conditional branches.
	TicksEvent uint64
	// InstructionsEvent counts retired instructions.
	InstructionsEvent uint64
	// HwInterruptsEvent counts hardware interrupts received.
	// Zero means the microarchitecture has no usable event and the
	// diagnostic reads as zero.
	HwInterruptsEvent uint64

	// SkidSize bounds how many ticks past the programmed period
	// the overflow interrupt may land.
	SkidSize Ticks

	// AllowsTxcp marks microarchitectures whose tick event accepts
	// the IN_TXCP filter that excludes ticks inside aborted
	// hardware transactions. Whether the kernel actually accepts
	// it is probed separately.
	AllowsTxcp bool
}

const (
	vendorIntel = "GenuineIntel"
	vendorAMD   = "AuthenticAMD"
)

// inTxcpBit is the Intel IN_TXCP config modifier. Only valid on
// non-sampling counters, which is exactly why the measuring and
// interrupt fds must stay separate kernel objects.
const inTxcpBit = uint64(1) << 33

var intelPMUs = []struct {
	pmu    pmuConfig
	models []int
}{
	{
		pmu: pmuConfig{
			Name:              "IntelNehalem",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x50011d,
			SkidSize:          100,
		},
		models: []int{26, 30, 31, 46, 37, 44, 47},
	},
	{
		pmu: pmuConfig{
			Name:              "IntelSandyBridge",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x5301cb,
			SkidSize:          100,
		},
		models: []int{42, 45, 58, 62},
	},
	{
		pmu: pmuConfig{
			Name:              "IntelHaswell",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x5301cb,
			SkidSize:          100,
			AllowsTxcp:        true,
		},
		models: []int{60, 63, 69, 70, 61, 71, 79, 86},
	},
	{
		pmu: pmuConfig{
			Name:              "IntelSkylake",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x5301cb,
			SkidSize:          100,
			AllowsTxcp:        true,
		},
		models: []int{78, 85, 94, 142, 158, 102, 165, 166},
	},
	{
		pmu: pmuConfig{
			Name:              "IntelIceLake",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x5301cb,
			SkidSize:          100,
		},
		models: []int{106, 108, 125, 126, 140, 141, 151, 154, 183, 186, 191},
	},
	{
		// Sapphire Rapids, Emerald Rapids and Granite Rapids ship
		// without TSX, so the tick event never takes the IN_TXCP
		// filter there.
		pmu: pmuConfig{
			Name:              "IntelSapphireRapids",
			TicksEvent:        0x5101c4,
			InstructionsEvent: 0x5100c0,
			HwInterruptsEvent: 0x5301cb,
			SkidSize:          100,
		},
		models: []int{143, 207, 173, 174},
	},
}

var amdZenPMU = pmuConfig{
	Name:              "AMDZen",
	TicksEvent:        0x5100d1,
	InstructionsEvent: 0x5100c0,
	SkidSize:          1000,
}

// lookupPMU maps a CPU identity to its counting configuration.
func lookupPMU(vendor string, family, model int) (pmuConfig, bool) {
	switch vendor {
	case vendorIntel:
		if family != 6 {
			return pmuConfig{}, false
		}

		for _, entry := range intelPMUs {
			for _, m := range entry.models {
				if m == model {
					return entry.pmu, true
				}
			}
		}
	case vendorAMD:
		// Zen 1 through 5.
		if family == 0x17 || family == 0x19 || family == 0x1a {
			return amdZenPMU, true
		}
	}

	return pmuConfig{}, false
}

// cpuIdentity is the subset of /proc/cpuinfo needed to pick a PMU
// configuration.
type cpuIdentity struct {
	Vendor string
	Family int
	Model  int
	Flags  map[string]struct{}
}

func (c cpuIdentity) hasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// parseCPUIdentity reads /proc/cpuinfo-formatted text. Only the first
// processor block is consulted; the PMU is uniform across cores on the
// hardware this supports.
func parseCPUIdentity(r io.Reader) (cpuIdentity, error) {
	id := cpuIdentity{Family: -1, Model: -1, Flags: map[string]struct{}{}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // End of first processor block.
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "vendor_id":
			id.Vendor = value
		case "cpu family":
			n, err := strconv.Atoi(value)
			if err != nil {
				return id, fmt.Errorf("parsing cpu family %q: %w", value, err)
			}

			id.Family = n
		case "model":
			n, err := strconv.Atoi(value)
			if err != nil {
				return id, fmt.Errorf("parsing cpu model %q: %w", value, err)
			}

			id.Model = n
		case "flags":
			for _, f := range strings.Fields(value) {
				id.Flags[f] = struct{}{}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return id, fmt.Errorf("scanning cpuinfo: %w", err)
	}

	if id.Vendor == "" || id.Family < 0 || id.Model < 0 {
		return id, fmt.Errorf("cpuinfo missing vendor/family/model")
	}

	return id, nil
}
