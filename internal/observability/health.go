package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes /healthz and /readyz for the duration of a run.
type HealthServer struct {
	runID string
	ready atomic.Bool
}

// NewHealthServer creates a health server reporting runID.
func NewHealthServer(runID string) *HealthServer {
	return &HealthServer{runID: runID}
}

// SetReady marks the run as accepting input.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Handler returns a mux serving /healthz, /readyz and, when gatherer is not
// nil, /metrics.
func (h *HealthServer) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok", "run_id": h.runID})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "run_id": h.runID})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "run_id": h.runID})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
