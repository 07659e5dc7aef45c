//go:build linux

package ticks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernelRelease(t *testing.T) {
	tests := []struct {
		release   string
		wantMajor int
		wantMinor int
		wantErr   bool
	}{
		{"6.8.0-41-generic", 6, 8, false},
		{"5.15.167.4-microsoft-standard-WSL2", 5, 15, false},
		{"4.7.0", 4, 7, false},
		{"3.10.0-1160.el7.x86_64", 3, 10, false},
		{"6.1", 6, 1, false},
		{"banana", 0, 0, true},
		{"6", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			major, minor, err := parseKernelRelease(tt.release)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantMajor, major)
			assert.Equal(t, tt.wantMinor, minor)
		})
	}
}

func TestKernelAtLeast(t *testing.T) {
	assert.True(t, kernelAtLeast(4, 7, 4, 7))
	assert.True(t, kernelAtLeast(4, 8, 4, 7))
	assert.True(t, kernelAtLeast(5, 0, 4, 7))
	assert.False(t, kernelAtLeast(4, 6, 4, 7))
	assert.False(t, kernelAtLeast(3, 19, 4, 7))
}

func TestDetectCaps_Cached(t *testing.T) {
	log := testLogger()

	first, firstErr := detectCaps(log)
	second, secondErr := detectCaps(log)

	// The probe runs once; later calls must return the identical
	// cached result, error or not.
	assert.Equal(t, first, second)
	assert.Equal(t, firstErr, secondErr)

	if firstErr == nil {
		require.NotNil(t, first)
		assert.NotZero(t, first.pmu.TicksEvent)
		// Anything this test runs on is well past 4.7.
		assert.True(t, first.disableIsEnough)
		assert.True(t, first.reliableIocPeriod)
	}
}
