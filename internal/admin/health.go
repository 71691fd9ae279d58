package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to "".
const ServiceName = "hotworker.Supervisor"

// Health mirrors Pool.Degraded into a standard gRPC health server.
type Health struct {
	pool   Pool
	srv    *health.Server
	clock  clock.Clock
	logger *slog.Logger
}

// NewHealth creates a health reporter; c nil means the real clock.
func NewHealth(pool Pool, c clock.Clock, logger *slog.Logger) *Health {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{pool: pool, srv: health.NewServer(), clock: c, logger: logger}
	h.Sync()
	return h
}

// Server returns the underlying health server.
func (h *Health) Server() *health.Server { return h.srv }

// Sync sets the serving status from the current pool state.
func (h *Health) Sync() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.pool.Degraded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Watch calls Sync every interval until ctx is done, then marks the
// service as shutting down.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Sync()
		}
	}
}

// Serve runs a gRPC server exposing only the health service on addr until
// ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, h.srv)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("grpc health listening", "addr", lis.Addr().String())
		errCh <- g.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc health server: %w", err)
	}
}
