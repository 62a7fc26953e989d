package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/activitybus/libs/runtime"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthSync mirrors readiness probes into a gRPC health server: the overall
// service ("") and one entry per probe name. Degraded counts as serving.
type HealthSync struct {
	hs       *health.Server
	probes   []runtime.Probe
	interval time.Duration
	logger   *slog.Logger
	last     map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthSync(hs *health.Server, interval time.Duration, logger *slog.Logger, probes ...runtime.Probe) *HealthSync {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthSync{
		hs:       hs,
		probes:   probes,
		interval: interval,
		logger:   logger,
		last:     map[string]healthpb.HealthCheckResponse_ServingStatus{},
	}
}

// Run updates statuses every interval until ctx is done, then marks
// everything NOT_SERVING.
func (s *HealthSync) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			s.hs.Shutdown()
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

func (s *HealthSync) Sync(ctx context.Context) {
	results := runtime.RunProbes(ctx, s.probes...)
	s.set("", servingStatus(runtime.Overall(results)))
	for _, r := range results {
		s.set(r.Name, servingStatus(r.Status))
	}
}

func (s *HealthSync) set(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.last[service]; ok && prev == st {
		return
	}
	s.last[service] = st
	s.hs.SetServingStatus(service, st)
	if s.logger != nil {
		s.logger.Info("grpc health changed", "service", service, "status", st.String())
	}
}

func servingStatus(st runtime.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if st == runtime.Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
