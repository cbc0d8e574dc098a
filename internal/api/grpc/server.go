// Package grpc exposes the standard gRPC health protocol so gRPC-aware load
// balancers and probe tooling can check the control plane without HTTP.
package grpc

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the named health service registered alongside the default
// empty service, for probes that target a specific service.
const ServiceName = "moduleplane"

// Server answers grpc_health_v1 checks for the control plane process.
type Server struct {
	server       *grpc.Server
	healthServer *health.Server
	port         int
	addr         net.Addr
	log          *slog.Logger
}

// NewServer creates a gRPC server that reports NOT_SERVING until SetServing
// is called, so callers can gate readiness on storage.
func NewServer(port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1 * 1024 * 1024),
		grpc.MaxSendMsgSize(1 * 1024 * 1024),
		grpc.ConnectionTimeout(30 * time.Second),
	}

	s := grpc.NewServer(opts...)
	healthServer := health.NewServer()

	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Reflection helps grpcurl-style debugging.
	reflection.Register(s)

	return &Server{
		server:       s,
		healthServer: healthServer,
		port:         port,
		log:          log.With("component", "grpc"),
	}
}

// Start begins listening. Port 0 binds an ephemeral port; Addr reports the
// bound address afterwards.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.addr = listener.Addr()

	s.log.Info("grpc health endpoint listening", "address", s.addr.String())

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.log.Error("grpc server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() net.Addr { return s.addr }

// SetServing flips the reported health status for both the default and the
// named service.
func (s *Server) SetServing(ok bool) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(ServiceName, status)
}

// Stop gracefully stops the server, failing health checks first so load
// balancers drain before connections drop.
func (s *Server) Stop() {
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.log.Info("grpc server stopped gracefully")
	case <-time.After(5 * time.Second):
		s.log.Warn("grpc server forced to stop after timeout")
		s.server.Stop()
	}
}
