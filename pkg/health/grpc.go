package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// WorkerService is the service name the worker reports under, in addition
// to the overall "" service.
const WorkerService = "vcmatrix.worker"

// GRPCServer exposes a Checker through the standard gRPC health protocol.
type GRPCServer struct {
	server   *grpc.Server
	health   *grpchealth.Server
	checker  *Checker
	logger   logging.Logger
	interval time.Duration
}

// NewGRPCServer creates a health server that refreshes its status every interval.
func NewGRPCServer(checker *Checker, interval time.Duration, logger logging.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &GRPCServer{
		server:   grpc.NewServer(),
		health:   grpchealth.NewServer(),
		checker:  checker,
		logger:   logger.With(logging.F("component", "grpc_health")),
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *GRPCServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(WorkerService, status)
}

// Refresh runs the checks once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) Report {
	report := s.checker.Run(ctx)
	if report.Healthy() {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Warn("Health check failing", logging.F("status", report.Status))
	}
	return report
}

// Serve answers health RPCs on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.server.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health server listening", logging.F("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *GRPCServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Probe asks the health service at addr for the status of service.
func Probe(ctx context.Context, addr, service string) (string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus().String(), nil
}
