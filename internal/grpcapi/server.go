package grpcapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dbmazz/cdc/internal/state"
)

// serviceName is how the relay registers itself with the standard health
// service; HealthService.Check (§6) with an empty service name reports the
// whole process.
const serviceName = ""

// Server owns the raw grpc.Server and the real health binding, keeping it
// in sync with SharedState (§6: NOT_SERVING iff setup error present or
// state is Stopped).
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	shared     *state.SharedState
	control    *controlPlane
	logger     *zap.Logger
}

// NewServer builds the control-plane gRPC server. Grounded on
// pkg/pipeline/peer/grpc/peer.go's raw grpc.NewServer() wiring idiom;
// unlike that teacher file, no generated .pb.go stubs are registered here
// beyond the real health service (see package doc).
func NewServer(shared *state.SharedState, control *controlPlane, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{
		grpcServer: grpcServer,
		health:     healthSrv,
		shared:     shared,
		control:    control,
		logger:     logger,
	}
}

// Serve listens on addr and blocks until ctx is cancelled, at which point
// it gracefully stops the server. A background goroutine keeps the health
// status synced with SharedState every 500ms.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen on %s: %w", addr, err)
	}

	go s.syncHealth(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) syncHealth(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.shared.SetupError() != "" || s.shared.State() == state.StateStopped {
				s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
			} else {
				s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
			}
		}
	}
}

// Control returns the bound control-plane implementation, for wiring into
// whatever process hosts the not-yet-generated RPC method handlers (see
// proto/cdc.proto).
func (s *Server) Control() *controlPlane { return s.control }
