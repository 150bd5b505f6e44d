package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dbmazz/cdc/internal/cdcerr"
	"github.com/dbmazz/cdc/internal/cdcmsg"
	"github.com/dbmazz/cdc/internal/logrepl"
	"github.com/dbmazz/cdc/internal/metrics"
	"github.com/dbmazz/cdc/internal/state"
)

// runMainLoop is the single-reader select loop of §4.9: it multiplexes
// upstream frames (via a decode goroutine), the batcher's confirmed-LSN
// feedback, a flush timer, and periodic control-state inspection.
func (e *Engine) runMainLoop(ctx context.Context, logger *zap.Logger, startLSN cdcmsg.LSN) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventCh := make(chan cdcmsg.CdcEvent, 2*e.cfg.FlushSize)
	standbyCh := make(chan cdcmsg.LSN, 8)
	readErrCh := make(chan error, 1)

	go e.decodeLoop(ctx, eventCh, standbyCh, readErrCh)
	go e.standbyWriter(ctx, standbyCh)

	flushTicker := time.NewTicker(200 * time.Millisecond)
	defer flushTicker.Stop()
	standbyTicker := time.NewTicker(logrepl.StandbyUpdateInterval())
	defer standbyTicker.Stop()

	var iteration uint64
	for {
		iteration++
		if iteration%controlCheckInterval == 0 {
			switch e.shared.State() {
			case state.StateStopped:
				return nil
			case state.StatePaused:
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(100 * time.Millisecond):
				}
				// Re-check on the next pass, so a paused loop stays off eventCh.
				iteration--
				continue
			case state.StateDraining:
				if len(eventCh) == 0 {
					if err := e.batcher.Flush(ctx); err != nil {
						return err
					}
					e.drainConfirmed(ctx, standbyCh)
					e.shared.ForceState(state.StateStopped)
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil

		case <-e.shared.ShutdownCh():
			draining := e.shared.State() == state.StateDraining
			if draining {
				for len(eventCh) > 0 {
					if _, err := e.batcher.Ingest(ctx, <-eventCh); err != nil {
						return err
					}
				}
			}
			if err := e.batcher.Flush(ctx); err != nil {
				return err
			}
			e.drainConfirmed(ctx, standbyCh)
			if draining {
				e.shared.ForceState(state.StateStopped)
			}
			return nil

		case err := <-readErrCh:
			logger.Error("replication stream I/O error, terminating", zap.Error(err))
			return err

		case ev := <-eventCh:
			flushed, err := e.batcher.Ingest(ctx, ev)
			if err != nil {
				logger.Error("batch flush failed", zap.Error(err))
				return err
			}
			if flushed {
				e.drainConfirmed(ctx, standbyCh)
			}

		case lsn := <-e.batcher.Confirmed:
			e.confirm(ctx, lsn, standbyCh)

		case <-flushTicker.C:
			if e.batcher.TimerDue() {
				if err := e.batcher.Flush(ctx); err != nil {
					logger.Error("timed flush failed", zap.Error(err))
					return err
				}
				e.drainConfirmed(ctx, standbyCh)
			}

		case <-standbyTicker.C:
			select {
			case standbyCh <- cdcmsg.LSN(e.shared.ConfirmedLSN()):
			default:
			}
		}
	}
}

// drainConfirmed processes any feedback values the batcher already queued,
// without blocking if none are pending.
func (e *Engine) drainConfirmed(ctx context.Context, standbyCh chan<- cdcmsg.LSN) {
	for {
		select {
		case lsn := <-e.batcher.Confirmed:
			e.confirm(ctx, lsn, standbyCh)
		default:
			return
		}
	}
}

// confirm implements the checkpoint loop's per-value work (§4.7): advance
// shared confirmed_lsn, upsert the checkpoint (non-fatal on failure), and
// queue a standby-status reply.
func (e *Engine) confirm(ctx context.Context, lsn cdcmsg.LSN, standbyCh chan<- cdcmsg.LSN) {
	e.shared.ConfirmLSN(uint64(lsn))
	e.shared.IncrementBatches()
	metrics.BatchesSentTotal.Inc()
	metrics.LagBytes.Set(float64(e.shared.CurrentLSN() - uint64(lsn)))

	if err := e.store.Save(ctx, e.cfg.SlotName, uint64(lsn)); err != nil {
		e.logger.Warn("checkpoint save failed, will retry on next confirm", zap.Error(err))
	}

	select {
	case standbyCh <- lsn:
	default:
		// writer is behind; the next periodic standby tick will catch up.
	}
}

// decodeLoop is the sole reader and sole writer of the schema cache (§4.3):
// it reads frames, decodes pgoutput payloads, and forwards events to
// eventCh. A blocking send on a full eventCh is the backpressure point of
// §4.4/B1 — it also means a Paused main loop (which stops draining
// eventCh) naturally suspends this goroutine without any extra signalling.
func (e *Engine) decodeLoop(ctx context.Context, eventCh chan<- cdcmsg.CdcEvent, standbyCh chan<- cdcmsg.LSN, errCh chan<- error) {
	for {
		frame, err := logrepl.ReceiveFrame(ctx, e.conn)
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}

		switch frame.Kind {
		case logrepl.FrameXLogData:
			e.shared.UpdateLSN(frame.WALEnd)
			metrics.LagBytes.Set(float64(frame.WALEnd - e.shared.ConfirmedLSN()))
			if len(frame.Payload) == 0 {
				continue
			}
			msg, err := e.decoder.Decode(frame.Payload)
			if err != nil {
				e.logger.Warn("pgoutput decode error, dropping message", zap.Error(err))
				continue
			}
			if msg == nil {
				continue
			}
			e.shared.IncrementEvents()
			metrics.EventsProcessedTotal.Inc()
			select {
			case eventCh <- cdcmsg.CdcEvent{LSN: cdcmsg.LSN(frame.WALEnd), Message: *msg}:
			case <-ctx.Done():
				return
			}
			pending := uint64(len(eventCh))
			e.shared.SetPending(pending)
			metrics.PendingEvents.Set(float64(pending))
			metrics.MemoryEstimateBytes.Set(float64(pending) * 1024)

		case logrepl.FrameKeepAlive:
			if frame.ReplyRequested {
				select {
				case standbyCh <- cdcmsg.LSN(e.shared.ConfirmedLSN()):
				case <-ctx.Done():
					return
				}
			}

		default:
			e.logger.Warn("unknown replication frame tag", zap.Uint8("tag", frame.RawTag), zap.Error(cdcerr.ErrProtocolMismatch))
		}
	}
}

// standbyWriter is the sole writer of the replication connection's
// feedback direction, serializing every standby-status send so the reader
// goroutine never races a write against it.
func (e *Engine) standbyWriter(ctx context.Context, standbyCh <-chan cdcmsg.LSN) {
	for {
		select {
		case <-ctx.Done():
			return
		case lsn := <-standbyCh:
			if err := logrepl.SendStandbyStatusUpdate(ctx, e.conn, lsn); err != nil {
				e.logger.Warn("standby status update failed, continuing", zap.Error(err))
			}
		}
	}
}
