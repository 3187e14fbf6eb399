package grpc_handler

import (
	"context"
	"fmt"
	"net"

	"github.com/anthanhphan/gosdk/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// ServiceName is the health service name reported for the upload API.
const ServiceName = "gridfs.upload.v1.UploadService"

// ConnectionSource exposes the storage connection lifecycle.
type ConnectionSource interface {
	State() domain.ConnectionState
	Settled() <-chan struct{}
}

// HealthServer publishes the standard gRPC health protocol, driven by the
// storage connection state.
type HealthServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	source ConnectionSource
}

func NewHealthServer(addr string, source ConnectionSource) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		server: grpc.NewServer(),
		health: health.NewServer(),
		source: source,
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.sync()
	return h
}

// statusOf maps a connection state to a serving status. A lazy connection
// that has not been asked for yet still accepts traffic.
func statusOf(state domain.ConnectionState) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case domain.ConnectionReady, domain.ConnectionPending:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

func (h *HealthServer) sync() {
	status := statusOf(h.source.State())
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Watch updates the status once the connect attempt settles. It returns
// after that or when ctx ends.
func (h *HealthServer) Watch(ctx context.Context) {
	h.sync()
	select {
	case <-h.source.Settled():
		h.sync()
		logger.Infow("Health status updated", "storage", string(h.source.State()))
	case <-ctx.Done():
	}
}

// Start serves until Stop is called.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	logger.Infow("gRPC health server listening", "addr", h.addr)
	return h.server.Serve(lis)
}

// Stop reports NOT_SERVING and drains open streams.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
