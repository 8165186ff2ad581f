// ABOUTME: gRPC server exposing the standard health service
// ABOUTME: Serving status mirrors the HTTP readiness check

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "coven.desk.Dispatch"

// newGRPCServer creates the gRPC server with the health service registered.
func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// refreshHealth runs the readiness check and publishes the result to the gRPC health service.
func (g *Gateway) refreshHealth(ctx context.Context) error {
	err := g.ready(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.logger.Warn("readiness check failed", "error", err)
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
	return err
}

// watchHealth refreshes the health status until ctx is done.
func (g *Gateway) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = g.refreshHealth(ctx)
		}
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func shutdownGRPCServer(ctx context.Context, server *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
	}
}
