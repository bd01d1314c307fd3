package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs the /healthz (liveness) and /readyz (readiness)
// probes. Readiness flips on only after recovery finishes and the DB and
// NATS connections are up, and flips off first during shutdown so load
// balancers drain before workers stop.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

// SetReady marks the service as ready (or not) to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is accepting traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

type probeStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// LivenessHandler answers 200 whenever the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.writeProbe(w, http.StatusOK, "alive")
}

// ReadinessHandler answers 200 once ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		h.writeProbe(w, http.StatusOK, "ready")
		return
	}
	h.writeProbe(w, http.StatusServiceUnavailable, "not_ready")
}

func (h *HealthChecker) writeProbe(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(probeStatus{
		Status: status,
		Uptime: time.Since(h.started).String(),
	})
}
