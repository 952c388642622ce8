package observability

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service so orchestrators that
// health check over gRPC see the same readiness as /ready.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	checks []NamedCheck
}

// NewGRPCHealth creates a gRPC health server whose overall status follows checks.
func NewGRPCHealth(checks ...NamedCheck) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealth{
		server: srv,
		health: hs,
		checks: checks,
	}
}

// Refresh re-runs the checks and publishes the result for the empty service name.
func (g *GRPCHealth) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if _, ok := RunChecks(ctx, g.checks...); !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
}

// Serve refreshes status every interval until ctx is done and blocks serving lis.
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	g.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()

	return g.server.Serve(lis)
}

// Shutdown flips every service to NOT_SERVING and stops the server.
func (g *GRPCHealth) Shutdown() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
