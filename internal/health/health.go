// Package health serves the standard gRPC health protocol with the sponsor
// account's ability to sponsor as the status of service "stg.sponsor".
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/confio/sponsor-gateway/internal/sponsor"
)

// Service is the health service name callers probe.
const Service = "stg.sponsor"

// Source is satisfied by *sponsor.Accounting.
type Source interface {
	Health() sponsor.Health
}

type Server struct {
	hs   *health.Server
	src  Source
	log  *zap.Logger
	last grpc_health_v1.HealthCheckResponse_ServingStatus
}

func New(src Source, log *zap.Logger) *Server {
	s := &Server{hs: health.NewServer(), src: src, log: log}
	s.Update()
	return s
}

// Register adds the health service to g.
func (s *Server) Register(g *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(g, s.hs)
}

// Update copies the sponsor's current state into the served status.
func (s *Server) Update() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.src.Health().CanSponsor {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	if status != s.last {
		s.log.Info("health: sponsor status", zap.String("status", status.String()))
		s.last = status
	}
	s.hs.SetServingStatus(Service, status)
}

// Run refreshes the status every interval until ctx is done, then marks
// everything NOT_SERVING.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("health updater started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.hs.Shutdown()
			s.log.Info("health updater stopped")
			return
		case <-ticker.C:
			s.Update()
		}
	}
}
