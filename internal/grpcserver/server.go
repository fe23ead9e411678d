// Package grpcserver exposes the standard gRPC health service. Its status
// follows the same dependency checks as the HTTP /health endpoint.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "pte.Agent"

// Checker reports whether the service dependencies are healthy.
type Checker interface {
	Check(ctx context.Context) (map[string]string, bool)
}

// Config holds configuration for the gRPC server.
type Config struct {
	// CheckInterval is how often readiness is re-evaluated.
	CheckInterval    time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    15 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	checker Checker
	cfg     Config
	logger  *slog.Logger
}

// New creates a server. Until the first check completes every service reports NOT_SERVING.
func New(checker Checker, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    cfg.KeepaliveTime,
		Timeout: cfg.KeepaliveTimeout,
	}))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, checker: checker, cfg: cfg, logger: logger}
}

// Refresh runs the checks once and publishes the result.
func (s *Server) Refresh(ctx context.Context) bool {
	checks, healthy := s.checker.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("gRPC health degraded", "checks", checks)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return healthy
}

// Serve accepts connections on lis until ctx is canceled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Refresh(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	cancel()
	<-done
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
