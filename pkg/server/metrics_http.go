package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthReport is the body of /healthz.
type healthReport struct {
	Status         string `json:"status"` // "ok" or "degraded"
	Sessions       int    `json:"sessions"`
	Connections    int64  `json:"connections"`
	LastStoreError string `json:"last_store_error,omitempty"`
}

// metricsHandler serves /metrics in Prometheus exposition format, plus
// /metrics.json (counter snapshot) and /healthz as JSON.
func (s *Server) metricsHandler() http.Handler {
	reg := newPrometheusRegistry(s.metrics, s.registry.Count)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, s.metrics.JSON())
	})
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// handleHealth always answers 200 while the process serves; a store failure
// only marks the report degraded.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := healthReport{
		Status:         "ok",
		Sessions:       s.registry.Count(),
		Connections:    s.metrics.ActiveConnections.Load(),
		LastStoreError: s.gateway.LastError(),
	}
	if report.LastStoreError != "" {
		report.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
