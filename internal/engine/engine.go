// Package engine is the orchestrator (§4.9): it owns the replication
// connection, the decode goroutine, the standby-reply writer, and the main
// select loop that routes events to the batcher and feedback to the
// checkpoint store, gating everything on the CDC control state.
//
// Ported from original_source/src/engine/mod.rs's run()/run_main_loop()/
// check_state_control_sync(), translated from tokio::select! to a Go
// select over channels; the goroutine-per-stage plus channel wiring shape
// follows pkg/pglogrepl/stream.go.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbmazz/cdc/internal/batch"
	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/checkpoint"
	"github.com/dbmazz/cdc/internal/config"
	"github.com/dbmazz/cdc/internal/grpcapi"
	"github.com/dbmazz/cdc/internal/logrepl"
	"github.com/dbmazz/cdc/internal/metrics"
	"github.com/dbmazz/cdc/internal/schema"
	"github.com/dbmazz/cdc/internal/setup"
	"github.com/dbmazz/cdc/internal/sink"
	_ "github.com/dbmazz/cdc/internal/sink/clickhouse"
	_ "github.com/dbmazz/cdc/internal/sink/kafka"
	_ "github.com/dbmazz/cdc/internal/sink/mqtt"
	_ "github.com/dbmazz/cdc/internal/sink/nats"
	"github.com/dbmazz/cdc/internal/sink/starrocks"
	"github.com/dbmazz/cdc/internal/state"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// controlCheckInterval is how many main-loop iterations pass between CDC
// control-state inspections (§4.9: "every 256 iterations").
const controlCheckInterval = 256

// Engine ties every component together behind one run loop.
type Engine struct {
	cfg    *config.Config
	shared *state.SharedState
	logger *zap.Logger
	runID  string

	store   *checkpoint.Store
	cache   *schema.Cache
	decoder *logrepl.Decoder
	batcher *batch.Batcher
	conn    *pgconn.PgConn
	cpu     *metrics.CPUTracker

	grpcServer *grpcapi.Server
}

// cpuSampleInterval is how often the engine samples its own CPU usage
// (§11.1). Under 100ms-apart samples are meaningless per CPUTracker's own
// noise floor, so this is chosen well above it.
const cpuSampleInterval = 2 * time.Second

// New constructs an Engine. The real work — connecting, bootstrapping,
// starting replication — happens in Run, so that construction itself can
// never fail.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	shared := state.New(state.RuntimeConfig{
		FlushSize:       cfg.FlushSize,
		FlushIntervalMS: cfg.FlushIntervalMS,
		Tables:          cfg.Tables,
		SlotName:        cfg.SlotName,
	})
	return &Engine{
		cfg:    cfg,
		shared: shared,
		logger: logger,
		runID:  uuid.NewString(),
		cpu:    metrics.NewCPUTracker(),
	}
}

// Shared exposes the SharedState handle for callers (cmd/cdc) that want to
// wire the gRPC control plane independently of Run's lifecycle.
func (e *Engine) Shared() *state.SharedState { return e.shared }

// Run executes Setup then the CDC main loop until ctx is cancelled or a
// fatal error occurs. A setup failure is persisted into SharedState and
// Run returns nil — per §7, setup failures keep the gRPC surface (and thus
// HealthService) alive rather than crashing the process.
func (e *Engine) Run(ctx context.Context) error {
	logger := e.logger.With(zap.String("run_id", e.runID))

	e.shared.SetStage(state.StageSetup, "bootstrapping postgres and starrocks")
	if err := e.bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		e.shared.SetSetupError(err.Error())
		return nil
	}

	e.shared.SetStage(state.StageSetup, "loading checkpoint")
	startLSN, err := e.loadCheckpoint(ctx)
	if err != nil {
		e.shared.SetSetupError(err.Error())
		return nil
	}

	e.shared.SetStage(state.StageSetup, "connecting to postgresql")
	conn, err := logrepl.Connect(ctx, e.cfg.DatabaseURL)
	if err != nil {
		e.shared.SetSetupError(err.Error())
		return nil
	}
	e.conn = conn
	defer conn.Close(ctx)

	e.shared.SetStage(state.StageSetup, "starting replication stream")
	if err := logrepl.StartReplication(ctx, conn, e.cfg.SlotName, e.cfg.PublicationName, startLSN); err != nil {
		e.shared.SetSetupError(err.Error())
		return nil
	}

	e.shared.SetStage(state.StageSetup, "connecting to starrocks")
	sk, err := e.initSink()
	if err != nil {
		e.shared.SetSetupError(err.Error())
		return nil
	}

	e.shared.SetStage(state.StageSetup, "initializing pipeline")
	e.cache = schema.New()
	e.decoder = logrepl.NewDecoder(e.cache)
	e.batcher = batch.New(batch.Options{
		FlushSize:     e.cfg.FlushSize,
		FlushInterval: time.Duration(e.cfg.FlushIntervalMS) * time.Millisecond,
	}, sk, e.cache, logger)

	go e.cpuSampleLoop(ctx)

	e.shared.SetStage(state.StageCdc, "replicating")
	return e.runMainLoop(ctx, logger, startLSN)
}

// cpuSampleLoop periodically samples process CPU usage (§11.1), publishing
// it to both the Prometheus gauge and SharedState so CdcMetricsService can
// report it alongside the pending-events memory estimate.
func (e *Engine) cpuSampleLoop(ctx context.Context) {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc, err := e.cpu.SampleMillicores()
			if err != nil {
				e.logger.Warn("cpu sample failed", zap.Error(err))
				continue
			}
			metrics.CPUMillicores.Set(float64(mc))
			e.shared.SetCPUMillicores(uint64(mc))
		}
	}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	pgPool, err := pgxpool.New(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("engine: bootstrap postgres connect: %w", err)
	}
	defer pgPool.Close()

	if err := setup.EnsurePostgres(ctx, pgPool, setup.PostgresOptions{
		Tables:          e.cfg.Tables,
		PublicationName: e.cfg.PublicationName,
		SlotName:        e.cfg.SlotName,
	}); err != nil {
		return err
	}

	ddlDSN := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", e.cfg.StarRocksUser, e.cfg.StarRocksPass, e.cfg.StarRocksURL, e.cfg.StarRocksPort, e.cfg.StarRocksDB)
	db, err := sql.Open("mysql", ddlDSN)
	if err != nil {
		return fmt.Errorf("engine: bootstrap starrocks connect: %w", err)
	}
	defer db.Close()

	return setup.EnsureStarRocks(ctx, db, setup.StarRocksOptions{
		Database: e.cfg.StarRocksDB,
		Tables:   e.cfg.Tables,
	})
}

func (e *Engine) loadCheckpoint(ctx context.Context) (cdcmsg.LSN, error) {
	store, err := checkpoint.New(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return 0, err
	}
	e.store = store
	lsn, err := store.Load(ctx, e.cfg.SlotName)
	if err != nil {
		return 0, err
	}
	e.shared.UpdateLSN(lsn)
	e.shared.ConfirmLSN(lsn)
	return cdcmsg.LSN(lsn), nil
}

// initSink builds the engine's one batch-flush destination (§4.6).
// "starrocks" (the default) is wired directly since its construction needs
// more than a bare DSN (separate HTTP/DDL hosts, credentials); any other
// SinkType must have registered itself via sink.Register (see the blank
// imports above) and is built from SinkDSN alone.
func (e *Engine) initSink() (sink.Sink, error) {
	if e.cfg.SinkType == "" || e.cfg.SinkType == "starrocks" {
		return starrocks.New(starrocks.Config{
			BaseURL:  fmt.Sprintf("http://%s:%d", e.cfg.StarRocksURL, httpPortFor(e.cfg.StarRocksPort)),
			Database: e.cfg.StarRocksDB,
			User:     e.cfg.StarRocksUser,
			Password: e.cfg.StarRocksPass,
			DDLHost:  e.cfg.StarRocksURL,
			DDLPort:  e.cfg.StarRocksPort,
		}, e.logger)
	}
	return sink.New(e.cfg.SinkType, e.cfg.SinkDSN)
}

// httpPortFor derives the FE HTTP port (Stream Load endpoint) from the
// MySQL-protocol port when the caller only configured the latter: the
// StarRocks default 9030 maps to 8030; any other port is returned unchanged.
func httpPortFor(ddlPort int) int {
	if ddlPort == 9030 {
		return 8030
	}
	return ddlPort
}

// SetGRPCServer wires the control-plane gRPC server so the main loop can
// react to Draining/Stopped transitions it triggers.
func (e *Engine) SetGRPCServer(s *grpcapi.Server) { e.grpcServer = s }
