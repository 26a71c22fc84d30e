package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name the billing service reports health under.
const Service = "billing.v1.BillingService"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Health exposes the standard gRPC health protocol for the billing service.
type Health struct {
	log    *slog.Logger
	srv    *health.Server
	checks map[string]Check
}

func NewHealth(log *slog.Logger, checks map[string]Check) *Health {
	h := &Health{log: log, srv: health.NewServer(), checks: checks}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return h
}

// Probe runs every check once and flips the serving status accordingly.
func (h *Health) Probe(ctx context.Context) bool {
	ok := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", "check", name, "err", err)
			ok = false
		}
	}
	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Monitor probes on every tick until ctx is done.
func (h *Health) Monitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			h.Probe(pctx)
			cancel()
		}
	}
}

// Shutdown marks everything NOT_SERVING so clients drain before GracefulStop.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(Service, status)
}

func (h *Health) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

func Run(addr string, h *Health) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	h.Register(gs)
	go func() {
		if err := gs.Serve(lis); err != nil {
			h.log.Error("grpc server stopped", "err", err)
		}
	}()
	return gs, nil
}
