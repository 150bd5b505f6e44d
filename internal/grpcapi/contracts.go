// Package grpcapi is the control plane (§6, §4.8). HealthService is backed
// by the real google.golang.org/grpc/health service; CdcControlService,
// CdcStatusService and CdcMetricsService are hand-authored Go contracts —
// protoc is not run in this environment and spec.md §1 scopes "the gRPC
// transport and its generated stubs" out of the core. proto/cdc.proto
// records the wire contract these interfaces stand in for.
package grpcapi

import (
	"context"
	"time"

	"github.com/dbmazz/cdc/internal/checkpoint"
	"github.com/dbmazz/cdc/internal/state"
)

// --- CdcControlService ---

type ControlReply struct {
	Success bool
	Message string
}

type ReloadConfigRequest struct {
	FlushSize       int
	FlushIntervalMS int
	Tables          []string
}

// CdcControlService exposes the control transitions of §4.8.
type CdcControlService interface {
	Pause(ctx context.Context) ControlReply
	Resume(ctx context.Context) ControlReply
	DrainAndStop(ctx context.Context) ControlReply
	Stop(ctx context.Context) ControlReply
	ReloadConfig(ctx context.Context, req ReloadConfigRequest) ControlReply
}

// --- CdcStatusService ---

type StatusReply struct {
	State           string
	CurrentLSN      uint64
	ConfirmedLSN    uint64
	PendingEvents   uint64
	SlotName        string
	Tables          []string
}

type CdcStatusService interface {
	GetStatus(ctx context.Context) StatusReply
}

// --- CdcMetricsService ---

type MetricsSample struct {
	Timestamp             time.Time
	EventsPerSecond       uint64
	LagBytes              uint64
	LagEvents             uint64
	MemoryBytes           uint64
	CPUMillicores         uint64
	TotalEventsProcessed  uint64
	TotalBatchesSent      uint64
}

type CdcMetricsService interface {
	// StreamMetrics pushes one MetricsSample every interval onto out until
	// ctx is cancelled. interval <= 0 is an invalid argument (§6).
	StreamMetrics(ctx context.Context, interval time.Duration, out chan<- MetricsSample) error
}

// controlPlane implements all three contracts directly against SharedState.
type controlPlane struct {
	shared     *state.SharedState
	store      *checkpoint.Store
	conn       connCloser
	slotName   string
}

// connCloser is the narrow slice of *pgconn.PgConn the control plane needs
// in order to drop the replication connection on Stop, without importing
// pgconn here.
type connCloser interface {
	Close(ctx context.Context) error
}

// New builds the concrete control-plane implementation bound to shared.
func New(shared *state.SharedState, store *checkpoint.Store, conn connCloser, slotName string) *controlPlane {
	return &controlPlane{shared: shared, store: store, conn: conn, slotName: slotName}
}

func (c *controlPlane) Pause(ctx context.Context) ControlReply {
	if err := c.shared.CompareAndSwap(state.StateRunning, state.StatePaused); err != nil {
		return ControlReply{Success: false, Message: err.Error()}
	}
	return ControlReply{Success: true, Message: "paused"}
}

func (c *controlPlane) Resume(ctx context.Context) ControlReply {
	if err := c.shared.CompareAndSwap(state.StatePaused, state.StateRunning); err != nil {
		return ControlReply{Success: false, Message: err.Error()}
	}
	return ControlReply{Success: true, Message: "resumed"}
}

func (c *controlPlane) DrainAndStop(ctx context.Context) ControlReply {
	cur := c.shared.State()
	if err := c.shared.CompareAndSwap(cur, state.StateDraining); err != nil {
		return ControlReply{Success: false, Message: err.Error()}
	}
	return ControlReply{Success: true, Message: "draining"}
}

func (c *controlPlane) Stop(ctx context.Context) ControlReply {
	c.shared.ForceState(state.StateStopped)
	if c.conn != nil {
		_ = c.conn.Close(ctx)
	}
	return ControlReply{Success: true, Message: "stopped"}
}

func (c *controlPlane) ReloadConfig(ctx context.Context, req ReloadConfigRequest) ControlReply {
	c.shared.ReloadConfig(req.FlushSize, req.FlushIntervalMS, req.Tables)
	return ControlReply{Success: true, Message: "config reloaded"}
}

func (c *controlPlane) GetStatus(ctx context.Context) StatusReply {
	cfg := c.shared.Config()
	return StatusReply{
		State:         c.shared.State().String(),
		CurrentLSN:    c.shared.CurrentLSN(),
		ConfirmedLSN:  c.shared.ConfirmedLSN(),
		PendingEvents: c.shared.PendingEvents(),
		SlotName:      cfg.SlotName,
		Tables:        cfg.Tables,
	}
}

func (c *controlPlane) StreamMetrics(ctx context.Context, interval time.Duration, out chan<- MetricsSample) error {
	if interval <= 0 {
		return errInvalidInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := c.shared.CurrentLSN()
			confirmed := c.shared.ConfirmedLSN()
			sample := MetricsSample{
				Timestamp:            time.Now(),
				EventsPerSecond:      c.shared.EventsSinceLastSample(),
				LagBytes:             current - confirmed,
				LagEvents:            c.shared.PendingEvents(),
				MemoryBytes:          c.shared.PendingEvents() * 1024,
				CPUMillicores:        c.shared.CPUMillicores(),
				TotalEventsProcessed: c.shared.EventsProcessed(),
				TotalBatchesSent:     c.shared.BatchesSent(),
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

var errInvalidInterval = &invalidArgumentError{"interval_ms must be > 0"}

type invalidArgumentError struct{ msg string }

func (e *invalidArgumentError) Error() string { return e.msg }
