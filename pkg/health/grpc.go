package health

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeInterval = 10 * time.Second

// GRPC registers grpc.health.v1.Health on the gRPC server, fed by Check.
var GRPC = fx.Module("health.grpc",
	fx.Invoke(RegisterGRPC),
)

func RegisterGRPC(lc fx.Lifecycle, srv *grpc.Server, h HealthService) {
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			probe(ctx, hs, h)
			go func() {
				ticker := time.NewTicker(probeInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						probe(ctx, hs, h)
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			hs.Shutdown()
			return nil
		},
	})
}

func probe(ctx context.Context, hs *grpchealth.Server, h HealthService) {
	status := healthpb.HealthCheckResponse_SERVING
	if result := h.Check(ctx); result.Status != StatusHealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		zap.L().Warn("health probe failed", zap.String("message", result.Message))
	}
	hs.SetServingStatus("", status)
}
