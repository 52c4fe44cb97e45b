//go:build unix

package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gurisko/cellar/internal/bottle"
	"github.com/gurisko/cellar/internal/catalog"
	"github.com/gurisko/cellar/internal/history"
	"github.com/gurisko/cellar/internal/installer"
	"github.com/gurisko/cellar/internal/launch"
	"github.com/gurisko/cellar/internal/limits"
	"github.com/gurisko/cellar/internal/registry"
	"go.uber.org/zap"
)

// Request/Response types

type RegisterAppRequest struct {
	Path     string `json:"path"`
	Category string `json:"category,omitempty"` // empty: catalog suggestion, else Other
}

type AppResponse struct {
	App    *registry.Entry `json:"app"`
	Compat *catalog.App    `json:"compat,omitempty"`
}

type ListAppsResponse struct {
	Categories []registry.CategoryListing `json:"categories"`
}

type LaunchResponse struct {
	Result *launch.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

type HistoryResponse struct {
	Launches []history.Record `json:"launches"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler methods

// handleApps serves GET (list by category) and POST (register) on /api/apps
func (d *Daemon) handleApps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, ListAppsResponse{Categories: d.registry.ListByCategory()}, http.StatusOK)
	case http.MethodPost:
		d.handleRegisterApp(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Daemon) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	var req RegisterAppRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, "path is required", http.StatusBadRequest)
		return
	}

	entry, err := d.registry.Register(req.Path, req.Category)
	d.metrics.Mutation("register", err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	d.metrics.Entries.Set(float64(d.registry.Len()))

	w.Header().Set("Location", "/api/apps/"+entry.ID)
	writeJSON(w, d.appResponse(entry), http.StatusCreated)
}

// handleAppByID routes /api/apps/{id} and /api/apps/{id}/{action}
func (d *Daemon) handleAppByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/apps/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || rest == r.URL.Path {
		writeError(w, "app ID is required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			d.handleGetApp(w, id)
		case http.MethodPatch:
			d.handleEditApp(w, r, id)
		case http.MethodDelete:
			d.handleRemoveApp(w, r, id)
		default:
			w.Header().Set("Allow", "GET, PATCH, DELETE")
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "launch":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d.handleLaunchApp(w, r, id)
	case "history":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d.handleAppHistory(w, r, id)
	default:
		writeError(w, "not found", http.StatusNotFound)
	}
}

func (d *Daemon) handleGetApp(w http.ResponseWriter, id string) {
	entry, err := d.registry.Get(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, d.appResponse(entry), http.StatusOK)
}

func (d *Daemon) handleEditApp(w http.ResponseWriter, r *http.Request, id string) {
	var patch registry.EntryPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, "nothing to change", http.StatusBadRequest)
		return
	}

	entry, err := d.registry.Edit(id, patch)
	d.metrics.Mutation("edit", err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, d.appResponse(entry), http.StatusOK)
}

func (d *Daemon) handleRemoveApp(w http.ResponseWriter, r *http.Request, id string) {
	// Remove and save atomically
	removed, err := d.registry.Remove(id)
	d.metrics.Mutation("remove", err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	d.metrics.Entries.Set(float64(d.registry.Len()))

	forgotten, err := d.history.Forget(r.Context(), removed.ID)
	if err != nil {
		d.logger.Warn("failed to drop launch history", zap.String("id", removed.ID), zap.Error(err))
	}
	d.logger.Info("entry removed, bottle kept",
		zap.String("id", removed.ID), zap.String("bottle", removed.Bottle), zap.Int64("launches_forgotten", forgotten))

	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleLaunchApp(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := d.registry.Get(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	res, err := d.launcher.Launch(r.Context(), *entry)
	if err != nil {
		writeJSON(w, LaunchResponse{Result: res, Error: err.Error()}, statusFor(err))
		return
	}
	writeJSON(w, LaunchResponse{Result: res}, http.StatusOK)
}

func (d *Daemon) handleAppHistory(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := d.registry.Get(id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := d.history.Recent(r.Context(), id, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, HistoryResponse{Launches: recs}, http.StatusOK)
}

func (d *Daemon) appResponse(e *registry.Entry) AppResponse {
	resp := AppResponse{App: e}
	if app, ok := d.catalog.Lookup(e.Name); ok {
		resp.Compat = &app
	}
	return resp
}

// Helper functions

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, bottle.ErrInvalidID),
		errors.Is(err, installer.ErrNoSource):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, launch.ErrMissingFile):
		return http.StatusGone
	case errors.Is(err, launch.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, installer.ErrBusy),
		errors.Is(err, registry.ErrPersistence):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a capped JSON body, writing a 400 on failure
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.JSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}, status int) {
	buf, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func writeError(w http.ResponseWriter, message string, status int) {
	resp := ErrorResponse{
		Error: message,
	}
	writeJSON(w, resp, status)
}
