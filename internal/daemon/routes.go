//go:build unix

package daemon

import (
	"net/http"
	"strings"
	"time"
)

func (d *Daemon) setupRoutes(mux *http.ServeMux) {
	// Health endpoint
	mux.HandleFunc("/health", d.handleHealth)

	// Applications
	mux.HandleFunc("/api/apps", d.handleApps)
	mux.HandleFunc("/api/apps/", d.handleAppByID)

	// Categories
	mux.HandleFunc("/api/categories", d.handleCategories)

	// Runtime and bottles
	mux.HandleFunc("/api/runtime", d.handleRuntime)
	mux.HandleFunc("/api/runtime/install", d.handleRuntimeInstall)
	mux.HandleFunc("/api/bottles/prune", d.handlePruneBottles)
	mux.HandleFunc("/api/catalog", d.handleCatalog)

	mux.Handle("/metrics", d.metrics.Handler())
}

// handler returns the routed mux wrapped with request metrics.
func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	d.setupRoutes(mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(sw, r)
		d.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), sw.status, time.Since(start))
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(d.startTime).Seconds(),
		Entries: d.registry.Len(),
	}, http.StatusOK)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses entry ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/apps/")
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return "/api/apps/{id}/" + action
	}
	return "/api/apps/{id}"
}
