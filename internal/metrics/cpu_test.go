package metrics

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The first sample only establishes a baseline and reports 0.
func TestSampleMillicoresFirstCallReturnsZero(t *testing.T) {
	tr := NewCPUTracker()
	millicores, err := tr.SampleMillicores()
	require.NoError(t, err)
	require.Equal(t, 0, millicores)
	require.True(t, tr.initialized)
}

// A second sample taken immediately (under 100ms) is too noisy: it reports
// 0 and keeps the previous baseline rather than reporting a spurious spike.
func TestSampleMillicoresTooSoonReturnsZero(t *testing.T) {
	tr := NewCPUTracker()
	_, err := tr.SampleMillicores()
	require.NoError(t, err)

	millicores, err := tr.SampleMillicores()
	require.NoError(t, err)
	require.Equal(t, 0, millicores)
}

func TestSampleMillicoresAfterIntervalReportsNonNegative(t *testing.T) {
	tr := NewCPUTracker()
	_, err := tr.SampleMillicores()
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	millicores, err := tr.SampleMillicores()
	require.NoError(t, err)
	require.GreaterOrEqual(t, millicores, 0)
	require.LessOrEqual(t, millicores, 100000)
}

func TestReadProcCPUTicksCurrentProcess(t *testing.T) {
	_, err := readProcCPUTicks(os.Getpid())
	require.NoError(t, err)
}
