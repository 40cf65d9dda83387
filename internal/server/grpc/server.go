package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/rzbill/relay/internal/runtime"
	logpkg "github.com/rzbill/relay/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BackendService is the health service name reporting the coordination loop.
const BackendService = "relay.Backend"

// LoopState reports whether the coordination loop is running.
type LoopState interface {
	Running() bool
}

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	loop   LoopState
	health *health.Server
	grpc   *grpc.Server
	lis    net.Listener
	logger logpkg.Logger

	// Interval between health re-evaluations while serving.
	Interval time.Duration
}

// New constructs a gRPC server and registers the health service. loop may
// be nil when no backend loop runs in this process.
func New(rt *runtime.Runtime, loop LoopState, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		rt:       rt,
		loop:     loop,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(opts...),
		logger:   logger.With(logpkg.Component("grpc")),
		Interval: time.Second,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refresh(context.Background())
	return s
}

// refresh sets the overall status from storage health and the backend
// service status from the loop.
func (s *Server) refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	if err := s.rt.CheckHealth(ctx); err != nil {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	loop := healthpb.HealthCheckResponse_NOT_SERVING
	if s.loop != nil && s.loop.Running() && overall == healthpb.HealthCheckResponse_SERVING {
		loop = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(BackendService, loop)
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc.listen", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
