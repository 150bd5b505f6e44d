// Package state implements the process-wide SharedState handle (§3, §4.8):
// atomic counters, the CDC control state machine, and the small
// RW-protected stage/config section consumed by the gRPC surface.
//
// Ported from the original engine's state.rs: atomics for the hot-path
// counters and state discriminant, a mutex for the cold-path strings and
// config, a close-once channel standing in for a watch-channel shutdown
// notification.
package state

import (
	"sync"
	"sync/atomic"

	"github.com/dbmazz/cdc/internal/cdcerr"
)

// CdcState is the control state machine (§4.8). Values are explicit so the
// gRPC status surface can report a stable numeric discriminant.
type CdcState uint32

const (
	StateRunning CdcState = iota
	StatePaused
	StateDraining
	StateStopped
)

func (s CdcState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Stage is the coarse lifecycle phase (§3), distinct from CdcState which
// only applies once Stage is Cdc.
type Stage int

const (
	StageInit Stage = iota
	StageSetup
	StageCdc
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "Init"
	case StageSetup:
		return "Setup"
	case StageCdc:
		return "Cdc"
	default:
		return "Unknown"
	}
}

// RuntimeConfig is the small hot-reloadable configuration block (§3, §6
// ReloadConfig): flush_size, flush_interval_ms, tables, slot_name.
type RuntimeConfig struct {
	FlushSize       int
	FlushIntervalMS int
	Tables          []string
	SlotName        string
}

// SharedState is constructed once at startup and shared by reference
// across every component (§9: "handle-passed, not truly ambient").
type SharedState struct {
	state atomic.Uint32

	currentLSN      atomic.Uint64
	confirmedLSN    atomic.Uint64
	pendingEvents   atomic.Uint64
	eventsProcessed atomic.Uint64
	batchesSent     atomic.Uint64
	cpuMillicores   atomic.Uint64

	// eventsLastTick backs a simple rate counter: incremented alongside
	// eventsProcessed, swapped to zero whenever the metrics stream samples
	// it, so "events in the last sampling interval" falls out for free.
	eventsLastTick atomic.Uint64

	mu         sync.RWMutex
	stage      Stage
	stageDetail string
	setupError  string
	config      RuntimeConfig

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a SharedState seeded with the given initial runtime config.
// Initial stage is Init; initial CdcState is Running (the orchestrator
// moves it through Setup before CDC actually begins flowing).
func New(cfg RuntimeConfig) *SharedState {
	s := &SharedState{
		stage:      StageInit,
		config:     cfg,
		shutdownCh: make(chan struct{}),
	}
	s.state.Store(uint32(StateRunning))
	return s
}

// --- counters ---

func (s *SharedState) UpdateLSN(lsn uint64) { s.currentLSN.Store(lsn) }
func (s *SharedState) CurrentLSN() uint64   { return s.currentLSN.Load() }

func (s *SharedState) ConfirmLSN(lsn uint64) { s.confirmedLSN.Store(lsn) }
func (s *SharedState) ConfirmedLSN() uint64  { return s.confirmedLSN.Load() }

func (s *SharedState) SetPending(n uint64) { s.pendingEvents.Store(n) }
func (s *SharedState) PendingEvents() uint64 { return s.pendingEvents.Load() }

func (s *SharedState) IncrementEvents() {
	s.eventsProcessed.Add(1)
	s.eventsLastTick.Add(1)
}
func (s *SharedState) EventsProcessed() uint64 { return s.eventsProcessed.Load() }

// EventsSinceLastSample returns events observed since the previous call and
// resets the counter, for the gRPC metrics stream's events_per_second field.
func (s *SharedState) EventsSinceLastSample() uint64 {
	return s.eventsLastTick.Swap(0)
}

func (s *SharedState) IncrementBatches() { s.batchesSent.Add(1) }
func (s *SharedState) BatchesSent() uint64 { return s.batchesSent.Load() }

// SetCPUMillicores records the most recent CPUTracker sample (§11.1).
func (s *SharedState) SetCPUMillicores(mc uint64) { s.cpuMillicores.Store(mc) }
func (s *SharedState) CPUMillicores() uint64      { return s.cpuMillicores.Load() }

// --- control state machine ---

// State returns the current CdcState.
func (s *SharedState) State() CdcState {
	return CdcState(s.state.Load())
}

// CompareAndSwap is the only permitted mutator for control transitions
// (§4.8). It succeeds only for the transitions enumerated there.
func (s *SharedState) CompareAndSwap(expected, next CdcState) error {
	if !legalTransition(expected, next) {
		return cdcerr.ErrInvalidTransition
	}
	if !s.state.CompareAndSwap(uint32(expected), uint32(next)) {
		return cdcerr.ErrInvalidTransition
	}
	if next == StateDraining || next == StateStopped {
		s.notifyShutdown()
	}
	return nil
}

// ForceState sets the state unconditionally. The orchestrator uses it for
// the drain-to-stop promotion and the control plane's Stop uses it; other
// control transitions go through CompareAndSwap.
func (s *SharedState) ForceState(next CdcState) {
	s.state.Store(uint32(next))
	if next == StateStopped {
		s.notifyShutdown()
	}
}

func legalTransition(from, to CdcState) bool {
	switch {
	case from == StateRunning && to == StatePaused:
		return true
	case from == StatePaused && to == StateRunning:
		return true
	case (from == StateRunning || from == StatePaused) && to == StateDraining:
		return true
	case to == StateStopped:
		return true // stop() is legal from any state
	default:
		return false
	}
}

// --- shutdown notification ---

// ShutdownCh is closed exactly once, the first time a transition to
// Draining or Stopped occurs (or ForceState(StateStopped) is called).
func (s *SharedState) ShutdownCh() <-chan struct{} { return s.shutdownCh }

func (s *SharedState) notifyShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// --- stage / config / setup-error (RW-protected) ---

func (s *SharedState) SetStage(stage Stage, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	s.stageDetail = detail
}

func (s *SharedState) Stage() (Stage, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage, s.stageDetail
}

func (s *SharedState) SetSetupError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupError = msg
}

func (s *SharedState) SetupError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setupError
}

func (s *SharedState) Config() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// ReloadConfig applies a partial update: zero/empty fields mean "keep
// current" (§6 ReloadConfig contract).
func (s *SharedState) ReloadConfig(flushSize, flushIntervalMS int, tables []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flushSize != 0 {
		s.config.FlushSize = flushSize
	}
	if flushIntervalMS != 0 {
		s.config.FlushIntervalMS = flushIntervalMS
	}
	if len(tables) != 0 {
		s.config.Tables = tables
	}
}
