package api

import (
	"context"
	"fmt"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/topdeckio/topdeck-diagnostics/internal/config"
)

// Server wraps the gRPC server implementation and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(cfg config.ServerConfig, service DiagnosticsServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerWithListener(cfg, lis, service, opts...), nil
}

// NewServerWithListener constructs a gRPC server on an existing listener.
func NewServerWithListener(cfg config.ServerConfig, lis net.Listener, service DiagnosticsServer, opts ...grpc.ServerOption) *Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	RegisterDiagnosticsServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		health:     healthSrv,
		listener:   lis,
	}
}

// Start serves incoming gRPC requests until Stop/Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown marks the service not serving and stops gracefully, falling back to Stop when ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
