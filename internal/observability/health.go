package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC service whose health the checker reports.
const ServiceName = "rewardpool.v1.RewardPool"

// HealthChecker manages liveness and readiness state and mirrors it onto
// the gRPC health service.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	grpc      *health.Server

	mu         sync.Mutex
	dependents map[string]bool
}

// NewHealthChecker creates a checker that starts not ready.
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime:  time.Now(),
		grpc:       health.NewServer(),
		dependents: make(map[string]bool),
	}
	h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.grpc.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// GRPC returns the health service to register on a gRPC server.
func (h *HealthChecker) GRPC() *health.Server {
	return h.grpc
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(ServiceName, status)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetDependency records whether a named dependency (postgres, nats) is up.
// Readiness requires every recorded dependency to be up.
func (h *HealthChecker) SetDependency(name string, up bool) {
	h.mu.Lock()
	h.dependents[name] = up
	h.mu.Unlock()
}

func (h *HealthChecker) downDependencies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var down []string
	for name, up := range h.dependents {
		if !up {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once recovery has finished and every
// dependency is up, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	down := h.downDependencies()
	if h.ready.Load() && len(down) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "not_ready",
		"down":   down,
	})
}
