package grpcapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbmazz/cdc/internal/state"
)

func newTestControlPlane() *controlPlane {
	shared := state.New(state.RuntimeConfig{FlushSize: 100, FlushIntervalMS: 200, SlotName: "slot", Tables: []string{"orders"}})
	return New(shared, nil, nil, "slot")
}

func TestPauseResumeCycle(t *testing.T) {
	c := newTestControlPlane()
	ctx := context.Background()

	reply := c.Pause(ctx)
	require.True(t, reply.Success)
	require.Equal(t, state.StatePaused, c.shared.State())

	reply = c.Resume(ctx)
	require.True(t, reply.Success)
	require.Equal(t, state.StateRunning, c.shared.State())
}

func TestPauseFromIllegalStateFails(t *testing.T) {
	c := newTestControlPlane()
	c.shared.ForceState(state.StateStopped)
	reply := c.Pause(context.Background())
	require.False(t, reply.Success)
}

func TestDrainAndStopFromRunning(t *testing.T) {
	c := newTestControlPlane()
	reply := c.DrainAndStop(context.Background())
	require.True(t, reply.Success)
	require.Equal(t, state.StateDraining, c.shared.State())
}

func TestStopForcesStoppedAndClosesConn(t *testing.T) {
	shared := state.New(state.RuntimeConfig{})
	closed := false
	c := New(shared, nil, fakeConnCloser{closed: &closed}, "slot")

	reply := c.Stop(context.Background())
	require.True(t, reply.Success)
	require.Equal(t, state.StateStopped, shared.State())
	require.True(t, closed)
}

func TestReloadConfigUpdatesSharedState(t *testing.T) {
	c := newTestControlPlane()
	reply := c.ReloadConfig(context.Background(), ReloadConfigRequest{FlushSize: 500})
	require.True(t, reply.Success)
	require.Equal(t, 500, c.shared.Config().FlushSize)
	require.Equal(t, 200, c.shared.Config().FlushIntervalMS, "zero fields in the request leave existing config untouched")
}

func TestGetStatusReflectsSharedState(t *testing.T) {
	c := newTestControlPlane()
	c.shared.UpdateLSN(500)
	c.shared.ConfirmLSN(400)
	c.shared.SetPending(7)

	status := c.GetStatus(context.Background())
	require.Equal(t, "Running", status.State)
	require.Equal(t, uint64(500), status.CurrentLSN)
	require.Equal(t, uint64(400), status.ConfirmedLSN)
	require.Equal(t, uint64(7), status.PendingEvents)
	require.Equal(t, "slot", status.SlotName)
	require.Equal(t, []string{"orders"}, status.Tables)
}

func TestStreamMetricsRejectsNonPositiveInterval(t *testing.T) {
	c := newTestControlPlane()
	out := make(chan MetricsSample, 1)
	err := c.StreamMetrics(context.Background(), 0, out)
	require.ErrorIs(t, err, errInvalidInterval)
}

func TestStreamMetricsEmitsSamplesUntilCancelled(t *testing.T) {
	c := newTestControlPlane()
	c.shared.UpdateLSN(100)
	c.shared.ConfirmLSN(60)
	c.shared.SetCPUMillicores(250)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan MetricsSample, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- c.StreamMetrics(ctx, 10*time.Millisecond, out) }()

	select {
	case sample := <-out:
		require.Equal(t, uint64(40), sample.LagBytes)
		require.Equal(t, uint64(250), sample.CPUMillicores)
	case <-time.After(time.Second):
		t.Fatal("expected at least one metrics sample")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("StreamMetrics should return promptly after cancellation")
	}
}

type fakeConnCloser struct {
	closed *bool
}

func (f fakeConnCloser) Close(ctx context.Context) error {
	*f.closed = true
	return nil
}
