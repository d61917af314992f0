package service

import (
	"github.com/you-humble/taskdispatch/core/broker"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "taskdispatch.worker"

// Health reports SERVING only while the broker connection is up, so an
// orchestrator stops routing to a worker that cannot consume.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Observe is meant for broker.Manager.OnStateChange.
func (h *Health) Observe(st broker.State) {
	if st == broker.StateConnected {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown flips every service to NOT_SERVING for good.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

func (h *Health) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}
