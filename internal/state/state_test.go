package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewStartsRunningAtStageInit(t *testing.T) {
	s := New(RuntimeConfig{FlushSize: 100, FlushIntervalMS: 200})
	require.Equal(t, StateRunning, s.State())
	stage, _ := s.Stage()
	require.Equal(t, StageInit, stage)
}

// P5: only legal transitions succeed.
func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to CdcState
		ok       bool
	}{
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateDraining, true},
		{StatePaused, StateDraining, true},
		{StateRunning, StateStopped, true},
		{StatePaused, StateStopped, true},
		{StateDraining, StateStopped, true},
		{StateDraining, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateRunning, StateRunning, false},
	}
	for _, tc := range cases {
		s := New(RuntimeConfig{})
		s.ForceState(tc.from)
		err := s.CompareAndSwap(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%v -> %v should be legal", tc.from, tc.to)
			require.Equal(t, tc.to, s.State())
		} else {
			require.Error(t, err, "%v -> %v should be illegal", tc.from, tc.to)
		}
	}
}

func TestCompareAndSwapFailsOnStaleExpected(t *testing.T) {
	s := New(RuntimeConfig{})
	require.NoError(t, s.CompareAndSwap(StateRunning, StatePaused))
	// expected is now stale (state is Paused, not Running)
	err := s.CompareAndSwap(StateRunning, StateDraining)
	require.Error(t, err)
	require.Equal(t, StatePaused, s.State())
}

func TestShutdownChClosesOnDrainingOrStopped(t *testing.T) {
	s := New(RuntimeConfig{})
	require.NoError(t, s.CompareAndSwap(StateRunning, StateDraining))

	select {
	case <-s.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel should be closed after transition to Draining")
	}
}

func TestShutdownChClosedOnlyOnce(t *testing.T) {
	s := New(RuntimeConfig{})
	require.NoError(t, s.CompareAndSwap(StateRunning, StateDraining))
	require.NotPanics(t, func() {
		s.CompareAndSwap(StateDraining, StateStopped)
	})
}

func TestForceStateStoppedNotifiesShutdown(t *testing.T) {
	s := New(RuntimeConfig{})
	s.ForceState(StateStopped)
	require.Equal(t, StateStopped, s.State())
	select {
	case <-s.ShutdownCh():
	default:
		t.Fatal("ForceState(StateStopped) should notify shutdown")
	}
}

func TestEventsSinceLastSampleResetsCounter(t *testing.T) {
	s := New(RuntimeConfig{})
	s.IncrementEvents()
	s.IncrementEvents()
	require.Equal(t, uint64(2), s.EventsSinceLastSample())
	require.Equal(t, uint64(0), s.EventsSinceLastSample())
	require.Equal(t, uint64(2), s.EventsProcessed(), "total counter is unaffected by sampling")
}

func TestSetCPUMillicoresRoundTrips(t *testing.T) {
	s := New(RuntimeConfig{})
	require.Equal(t, uint64(0), s.CPUMillicores())
	s.SetCPUMillicores(350)
	require.Equal(t, uint64(350), s.CPUMillicores())
}

func TestReloadConfigPartialUpdateKeepsUnsetFields(t *testing.T) {
	s := New(RuntimeConfig{FlushSize: 100, FlushIntervalMS: 200, Tables: []string{"orders"}})
	s.ReloadConfig(500, 0, nil)
	cfg := s.Config()
	require.Equal(t, 500, cfg.FlushSize)
	require.Equal(t, 200, cfg.FlushIntervalMS, "zero value means keep current")
	require.Equal(t, []string{"orders"}, cfg.Tables)
}

func TestConfirmedLSNAdvancesOnSequentialConfirm(t *testing.T) {
	s := New(RuntimeConfig{})
	s.ConfirmLSN(100)
	require.Equal(t, uint64(100), s.ConfirmedLSN())
	s.ConfirmLSN(200)
	require.Equal(t, uint64(200), s.ConfirmedLSN())
}
