package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"astroseq/internal/session"
)

// ServiceName is the health service name reported for the session.
const ServiceName = "astroseq.Session"

// Health serves the standard gRPC health protocol. The session service goes
// NOT_SERVING once the session has stopped on a fatal error.
type Health struct {
	addr   string
	log    *slog.Logger
	status *health.Server
}

// NewHealth creates a health server reporting SERVING.
func NewHealth(addr string, log *slog.Logger) *Health {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Health{addr: addr, log: log, status: hs}
}

// Start listens on addr and serves until ctx is cancelled.
func (h *Health) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.status)

	go func() {
		<-ctx.Done()
		h.status.Shutdown()
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Watch follows session events and flips the session to NOT_SERVING on a
// fatal event.
func (h *Health) Watch(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == session.EventFatal {
				h.log.Error("session failed, reporting NOT_SERVING", "error", ev.Error)
				h.status.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			}
		}
	}
}

// Check reports the current session status.
func (h *Health) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.status.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Probe asks the health service at addr for the session status.
func Probe(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
