//go:build unix

package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gurisko/cellar/internal/catalog"
	"github.com/gurisko/cellar/internal/installer"
	"github.com/gurisko/cellar/internal/locator"
	"github.com/gurisko/cellar/internal/registry"
	"go.uber.org/zap"
)

type CreateCategoryRequest struct {
	Name string `json:"name"`
}

type CategoriesResponse struct {
	Categories []registry.CategoryInfo `json:"categories"`
}

type RuntimeResponse struct {
	Found      bool             `json:"found"`
	Runtime    *locator.Runtime `json:"runtime,omitempty"`
	Dir        string           `json:"dir"`
	Installing bool             `json:"installing"`
	Source     string           `json:"source,omitempty"`
}

type InstallResponse struct {
	Status string `json:"status"`
	Source string `json:"source"`
}

type PruneResponse struct {
	Removed []string `json:"removed"`
}

type CatalogResponse struct {
	Apps []catalog.App `json:"apps"`
}

// handleCategories serves GET (list) and POST (create) on /api/categories
func (d *Daemon) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, CategoriesResponse{Categories: d.registry.Categories()}, http.StatusOK)
	case http.MethodPost:
		var req CreateCategoryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err := d.registry.CreateCategory(req.Name)
		d.metrics.Mutation("create_category", err)
		if err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, CategoriesResponse{Categories: d.registry.Categories()}, http.StatusCreated)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRuntime reports the runtime the next launch would use
func (d *Daemon) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := RuntimeResponse{
		Dir:        d.locator.Dir(),
		Installing: d.installer.Busy(),
		Source:     d.installer.Source(),
	}
	rt, err := d.locator.Find()
	switch {
	case err == nil:
		resp.Found = true
		resp.Runtime = &rt
	case errors.Is(err, locator.ErrNotFound):
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp, http.StatusOK)
}

// handleRuntimeInstall starts an acquisition and returns immediately
func (d *Daemon) handleRuntimeInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(d.installer.Source()) == "" {
		writeError(w, installer.ErrNoSource.Error(), statusFor(installer.ErrNoSource))
		return
	}

	// Detached from the request: the acquisition outlives it.
	err := d.installer.Async(context.Background(), func(ok bool, err error) {
		d.metrics.Install(err)
		if err != nil {
			d.logger.Error("runtime installation failed", zap.Error(err))
			return
		}
		rt, findErr := d.locator.Find()
		if findErr != nil {
			d.logger.Error("runtime installed but not found", zap.Bool("ok", ok), zap.Error(findErr))
			return
		}
		d.logger.Info("runtime ready", zap.String("path", rt.Path), zap.String("source", string(rt.Source)))
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, InstallResponse{Status: "installing", Source: d.installer.Source()}, http.StatusAccepted)
}

// handlePruneBottles deletes bottles that no entry references
func (d *Daemon) handlePruneBottles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := d.registry.ReconcileBottles(d.bottles.Prune)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, PruneResponse{Removed: removed}, http.StatusOK)
}

func (d *Daemon) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, CatalogResponse{Apps: d.catalog.Apps()}, http.StatusOK)
}
