package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbmazz/cdc/internal/checkpoint"
	"github.com/dbmazz/cdc/internal/config"
	"github.com/dbmazz/cdc/internal/engine"
	"github.com/dbmazz/cdc/internal/grpcapi"
	"github.com/dbmazz/cdc/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the replication pipeline and control plane",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("run: build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg, logger)

	store, err := checkpoint.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("control plane checkpoint handle unavailable", zap.Error(err))
	}

	control := grpcapi.New(eng.Shared(), store, nil, cfg.SlotName)
	grpcServer := grpcapi.NewServer(eng.Shared(), control, logger)
	eng.SetGRPCServer(grpcServer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf(":%d", cfg.GRPCPort)
		if err := grpcServer.Serve(ctx, addr); err != nil {
			logger.Error("grpc server exited", zap.Error(err))
		}
	}()

	metrics.StartServer(ctx, &wg, logger, nil)

	err = eng.Run(ctx)
	if err == nil && eng.Shared().SetupError() != "" {
		// Replication never started; keep the gRPC surface up so
		// HealthService can report the setup error until shutdown.
		<-ctx.Done()
	}
	stop()
	wg.Wait()
	return err
}
