package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported next to the overall server status.
const HealthService = "patchset.changes"

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

// HealthServer serves the standard gRPC health checking protocol.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
}

// NewHealthServer returns a server reporting NOT_SERVING until SetServing is called.
func NewHealthServer(logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	server := &HealthServer{grpcServer: grpcServer, health: healthServer, logger: logger}
	server.SetServing(false)
	return server
}

// SetServing flips the status of both the server and HealthService.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// Watch runs probe every interval and reports its outcome until ctx is done.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration, probe Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		err := probe(ctx)
		switch {
		case err != nil && healthy:
			s.logger.Warn("health probe failed", zap.Error(err))
		case err == nil && !healthy:
			s.logger.Info("health probe recovered")
		}
		healthy = err == nil
		s.SetServing(healthy)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve blocks serving health checks on listener.
func (s *HealthServer) Serve(listener net.Listener) error {
	return s.grpcServer.Serve(listener)
}

// Stop marks the server as shutting down and stops serving.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
