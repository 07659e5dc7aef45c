package task

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func requireProc(t *testing.T) {
	t.Helper()

	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("/proc not available")
	}
}

func TestThreads_Self(t *testing.T) {
	requireProc(t)

	r := NewResolver(testLogger())

	tids, err := r.Threads(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, tids)

	// The main thread's tid equals the pid.
	assert.Contains(t, tids, os.Getpid())
}

func TestThreads_NoSuchProcess(t *testing.T) {
	requireProc(t)

	r := NewResolver(testLogger())

	_, err := r.Threads(1 << 22)
	require.Error(t, err)
}

func TestFindByComm_NotFound(t *testing.T) {
	requireProc(t)

	r := NewResolver(testLogger())

	_, err := r.FindByComm("definitely-not-a-real-process-name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no process named")
}

func TestStopped_Self(t *testing.T) {
	requireProc(t)

	// The calling process is running, not stopped.
	stopped, err := Stopped(os.Getpid())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestStatState(t *testing.T) {
	tests := []struct {
		name    string
		stat    string
		want    byte
		wantErr bool
	}{
		{
			"running",
			"1234 (myproc) R 1 1234 1234 0 -1 4194560",
			'R', false,
		},
		{
			"stopped",
			"1234 (myproc) T 1 1234 1234 0 -1 4194560",
			'T', false,
		},
		{
			"comm with spaces and parens",
			"77 (weird) name)) S 1 77 77 0 -1 0",
			'S', false,
		},
		{"empty", "", 0, true},
		{"truncated", "1234 (myproc)", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := statState(tt.stat)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}
