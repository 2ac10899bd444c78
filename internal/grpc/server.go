// Package grpc serves the standard grpc.health.v1 service backed by the
// health checker.
package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"conversation-orchestrator/backend/pkg/health"
	"conversation-orchestrator/backend/pkg/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name probes use for the orchestrator itself
const ServiceName = "flow.Orchestrator"

// Server wraps a grpc.Server exposing health
type Server struct {
	srv    *grpc.Server
	health *grpchealth.Server
	log    *logger.Logger
}

// NewServer creates the server and mirrors checker results into it
func NewServer(checker *health.Checker, log *logger.Logger) *Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{srv: srv, health: hs, log: log}
	s.SetServing(checker.IsSystemHealthy())
	checker.OnChange(s.SetServing)
	return s
}

// SetServing flips both the overall and the orchestrator service status
func (s *Server) SetServing(healthy bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on :port and serves
func (s *Server) ListenAndServe(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop drains in-flight calls, or forces a stop when ctx expires
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}

func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warn("gRPC call failed", "method", info.FullMethod, "error", err.Error(), "latency", time.Since(start))
		} else {
			log.Debug("gRPC call", "method", info.FullMethod, "latency", time.Since(start))
		}
		return resp, err
	}
}
