// Package metrics registers the Prometheus series mirroring
// CdcMetricsService.StreamMetrics (§6) and starts an HTTP exporter.
//
// Grounded on pkg/metrics/prom.go's promauto/graceful-shutdown shape.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	EventsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbmazz_cdc_events_processed_total",
		Help: "Total decoded events forwarded from the replication stream.",
	})
	BatchesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbmazz_cdc_batches_sent_total",
		Help: "Total batches successfully flushed to the sink.",
	})
	LagBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmazz_cdc_lag_bytes",
		Help: "current_lsn - confirmed_lsn.",
	})
	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmazz_cdc_pending_events",
		Help: "Events currently buffered in the event channel.",
	})
	MemoryEstimateBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmazz_cdc_memory_estimate_bytes",
		Help: "pending_events * 1KB, a coarse memory estimate.",
	})
	CPUMillicores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbmazz_cdc_cpu_millicores",
		Help: "Process CPU usage sampled from /proc/[pid]/stat.",
	})
)

// ServerOptions configures the metrics HTTP exporter.
type ServerOptions struct {
	Addr            string
	Path            string
	ShutdownTimeout time.Duration
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{Addr: ":9090", Path: "/metrics", ShutdownTimeout: 5 * time.Second}
}

// StartServer runs the Prometheus exporter until ctx is cancelled, then
// shuts it down gracefully within opts.ShutdownTimeout.
func StartServer(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, opts *ServerOptions) {
	o := defaultServerOptions()
	if opts != nil {
		o.Addr = cmp.Or(opts.Addr, o.Addr)
		o.Path = cmp.Or(opts.Path, o.Path)
		if opts.ShutdownTimeout != 0 {
			o.ShutdownTimeout = opts.ShutdownTimeout
		}
	}

	mux := http.NewServeMux()
	mux.Handle(o.Path, promhttp.Handler())
	server := &http.Server{Addr: o.Addr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}()
}
