package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kwv/meshreg/mesh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHTTPServer creates the status server: run progress as JSON plus the
// Prometheus metrics of the current process.
func newHTTPServer(tracker *mesh.ProgressTracker, metrics *mesh.MetricsObserver, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Error("encoding response", slog.Any("error", err))
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health request", slog.String("remote", r.RemoteAddr))
		writeJSON(w, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Running   bool      `json:"running"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Running:   tracker.Active(),
		})
	})

	// All runs, newest first
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, tracker.Runs())
	})

	// One run: /runs/{id}
	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/runs/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		rs, ok := tracker.Get(id)
		if !ok {
			http.Error(w, "Unknown run", http.StatusNotFound)
			return
		}
		writeJSON(w, rs)
	})

	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return mux
}
