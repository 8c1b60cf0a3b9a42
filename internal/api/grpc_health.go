package api

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"risk-engine/internal/state"
	"risk-engine/pkg/logger"
)

// EntriesService is reported NOT_SERVING while new entries are gated. The empty
// service name tracks overall liveness of the state owner.
const EntriesService = "riskengine.entries"

// StatusSource answers status queries.
type StatusSource interface {
	Status(ctx context.Context) (state.Status, error)
}

// HealthServer exposes the standard gRPC health protocol.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	status StatusSource
	every  time.Duration
}

func NewHealthServer(status StatusSource, every time.Duration) *HealthServer {
	if every <= 0 {
		every = 5 * time.Second
	}
	h := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(EntriesService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{srv: srv, health: h, status: status, every: every}
}

// Refresh polls the status once and updates both services.
func (h *HealthServer) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.every)
	defer cancel()
	st, err := h.status.Status(ctx)
	if err != nil {
		h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		h.health.SetServingStatus(EntriesService, healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if st.EntriesGated {
		h.health.SetServingStatus(EntriesService, healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		h.health.SetServingStatus(EntriesService, healthpb.HealthCheckResponse_SERVING)
	}
}

// Serve listens on addr and refreshes statuses until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(h.every)
		defer ticker.Stop()
		h.Refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.srv.GracefulStop()
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()
	logger.Info("grpc health listening", zap.String("addr", addr))
	return h.srv.Serve(lis)
}
