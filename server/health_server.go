package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/nexusingest/hooks"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// IngestServiceName is the service name whose health reflects whether the
// node is accepting and processing messages.
const IngestServiceName = "nexusingest.Ingest"

const defaultHealthCheckInterval = 5 * time.Second

// ReadinessCheck returns nil while the node is ready.
type ReadinessCheck func() error

type HealthServerOptions struct {
	CheckInterval time.Duration
	Check         ReadinessCheck
	Logger        *slog.Logger
	// HookManager, when set, triggers an immediate check on processing
	// pause and resume.
	HookManager hooks.HookManager
}

// HealthServer serves the standard gRPC health protocol. Both the overall
// ("") and the ingest service status follow the readiness check.
type HealthServer struct {
	server    *grpc.Server
	healthSrv *health.Server
	check     ReadinessCheck
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	serving bool
	known   bool
}

func NewHealthServer(opts HealthServerOptions) *HealthServer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultHealthCheckInterval
	}
	logger := opts.Logger.With("component", "HealthServer")
	interceptor := NewLoggingInterceptor(opts.Logger)
	s := &HealthServer{
		server: grpc.NewServer(
			grpc.ChainUnaryInterceptor(interceptor.Unary()),
			grpc.ChainStreamInterceptor(interceptor.Stream()),
		),
		healthSrv: health.NewServer(),
		check:     opts.Check,
		interval:  opts.CheckInterval,
		logger:    logger,
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	reflection.Register(s.server)

	if opts.HookManager != nil {
		recheck := hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
			s.Evaluate()
			return nil
		})
		opts.HookManager.Register(hooks.EventOnProcessingPaused, recheck)
		opts.HookManager.Register(hooks.EventOnProcessingResume, recheck)
	}
	s.Evaluate()
	return s
}

// Start begins listening for gRPC requests.
func (s *HealthServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Run re-evaluates the readiness check every interval until ctx is done.
func (s *HealthServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

// Evaluate runs the readiness check once and publishes the result.
func (s *HealthServer) Evaluate() {
	if s.check == nil {
		s.SetServing(true)
		return
	}
	if err := s.check(); err != nil {
		s.setServing(false, err.Error())
		return
	}
	s.SetServing(true)
}

// SetServing overrides the published status until the next evaluation.
func (s *HealthServer) SetServing(serving bool) {
	s.setServing(serving, "")
}

func (s *HealthServer) setServing(serving bool, reason string) {
	s.mu.Lock()
	changed := !s.known || s.serving != serving
	s.serving, s.known = serving, true
	s.mu.Unlock()

	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", status)
	s.healthSrv.SetServingStatus(IngestServiceName, status)
	if changed {
		if serving {
			s.logger.Info("Node is serving")
		} else {
			s.logger.Warn("Node is not serving", "reason", reason)
		}
	}
}

// Serving reports the last published status.
func (s *HealthServer) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Stop gracefully stops the gRPC server.
func (s *HealthServer) Stop() {
	s.logger.Info("Stopping gRPC health server...")
	s.healthSrv.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("gRPC health server stopped.")
}
