package control

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

// HealthServiceName is the service name reported alongside the server-wide
// empty name
const HealthServiceName = "plugin_lifecycle.PluginManager"

const (
	defaultHealthRefresh = time.Second
	gracefulStopTimeout  = 2 * time.Second
)

// GRPCHealthServer serves the standard gRPC health protocol. Both the empty
// service name and HealthServiceName report SERVING while the plugin manager
// runs.
type GRPCHealthServer struct {
	server  *grpc.Server
	health  *health.Server
	running func() bool
	refresh time.Duration
	logger  logging.Logger
}

func NewGRPCHealthServer(running func() bool, refresh time.Duration, logger logging.Logger) *GRPCHealthServer {
	if refresh <= 0 {
		refresh = defaultHealthRefresh
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	s := &GRPCHealthServer{
		server:  server,
		health:  healthServer,
		running: running,
		refresh: refresh,
		logger:  logger,
	}
	s.Update()
	return s
}

// Update publishes the current running flag
func (s *GRPCHealthServer) Update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.running() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
}

// Serve accepts connections on listener until ctx is done, then shuts the
// health service down and stops the server gracefully
func (s *GRPCHealthServer) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Infof("gRPC health server listening, address: %s", listener.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.stop()
			s.logger.Infof("gRPC health server stopped")
			return nil
		case err := <-serveErr:
			if err != nil {
				return errors.NewNetworkError("gRPC health server failed", err)
			}
			return nil
		case <-ticker.C:
			s.Update()
		}
	}
}

func (s *GRPCHealthServer) stop() {
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		s.logger.Warnf("gRPC health server graceful stop timed out, forcing")
		s.server.Stop()
	}
}
