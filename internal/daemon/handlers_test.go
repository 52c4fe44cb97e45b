//go:build unix

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gurisko/cellar/internal/bottle"
	"github.com/gurisko/cellar/internal/config"
	"github.com/gurisko/cellar/internal/installer"
	"github.com/gurisko/cellar/internal/launch"
	"github.com/gurisko/cellar/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSpawner struct {
	mu    sync.Mutex
	specs []launch.Spec
}

func (s *recordingSpawner) Spawn(spec launch.Spec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	return 1000 + len(s.specs), nil
}

func (s *recordingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func noPath(string) (string, error) { return "", errors.New("not on PATH") }

type testDaemon struct {
	*Daemon
	h       http.Handler
	spawner *recordingSpawner
	dir     string
}

func testSettings(dir string) *config.Config {
	data := filepath.Join(dir, "data")
	settings := config.Default()
	settings.DataDir = data
	settings.RegistryFile = filepath.Join(data, "exes.json")
	settings.BottlesDir = filepath.Join(data, "bottles")
	settings.RuntimeDir = filepath.Join(data, "wine")
	settings.HistoryFile = filepath.Join(dir, "state", "history.db")
	settings.SocketPath = filepath.Join(dir, "run", "daemon.sock")
	settings.PIDFile = filepath.Join(dir, "run", "daemon.pid")
	settings.Installer.Source = ""
	return settings
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dir := t.TempDir()

	sp := &recordingSpawner{}
	d, err := New(&Config{Settings: testSettings(dir), LookPath: noPath, Spawner: sp})
	require.NoError(t, err)
	require.NoError(t, d.open())
	t.Cleanup(d.close)

	return &testDaemon{Daemon: d, h: d.handler(), spawner: sp, dir: dir}
}

func (td *testDaemon) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	td.h.ServeHTTP(rec, req)
	return rec
}

func (td *testDaemon) exe(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(td.dir, "apps", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("MZ"), 0o644))
	return p
}

func (td *testDaemon) installRuntime(t *testing.T) string {
	t.Helper()
	p := filepath.Join(td.settings.RuntimeDir, "bin", "wine")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	return p
}

func (td *testDaemon) register(t *testing.T, name, category string) *registry.Entry {
	t.Helper()
	rec := td.do(t, http.MethodPost, "/api/apps", RegisterAppRequest{Path: td.exe(t, name), Category: category})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp AppResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.App
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRegisterAndList(t *testing.T) {
	td := newTestDaemon(t)

	rec := td.do(t, http.MethodPost, "/api/apps", RegisterAppRequest{Path: td.exe(t, "Balatro.exe")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[AppResponse](t, rec)
	assert.Equal(t, "/api/apps/"+resp.App.ID, rec.Header().Get("Location"))
	assert.Equal(t, "Games", resp.App.Category, "catalog suggestion applies")
	require.NotNil(t, resp.Compat)
	assert.Equal(t, "Platinum", resp.Compat.Rating)

	td.register(t, "tool.exe", "")

	list := decode[ListAppsResponse](t, td.do(t, http.MethodGet, "/api/apps", nil))
	require.Len(t, list.Categories, 3)
	assert.Equal(t, "Games", list.Categories[0].Name)
	require.Len(t, list.Categories[0].Entries, 1)
	assert.Equal(t, "Balatro", list.Categories[0].Entries[0].Name)
	require.Len(t, list.Categories[2].Entries, 1)
	assert.Equal(t, "tool", list.Categories[2].Entries[0].Name)
}

func TestRegister_BadRequests(t *testing.T) {
	td := newTestDaemon(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing file", RegisterAppRequest{Path: filepath.Join(td.dir, "nope.exe")}},
		{"empty path", RegisterAppRequest{}},
		{"unknown field", `{"path": "/x.exe", "bogus": 1}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := td.do(t, http.MethodPost, "/api/apps", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
	assert.Zero(t, td.registry.Len())
}

func TestGetEditRemove(t *testing.T) {
	td := newTestDaemon(t)
	e := td.register(t, "a.exe", "Games")

	rec := td.do(t, http.MethodGet, "/api/apps/"+e.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, e.ID, decode[AppResponse](t, rec).App.ID)

	rec = td.do(t, http.MethodPatch, "/api/apps/"+e.ID, `{"display_name": "Alpha", "category": "Tools", "args": ["-x"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[AppResponse](t, rec).App
	assert.Equal(t, "Alpha", got.DisplayName)
	assert.Equal(t, "Tools", got.Category)
	assert.Equal(t, []string{"-x"}, got.Args)

	assert.Equal(t, http.StatusBadRequest, td.do(t, http.MethodPatch, "/api/apps/"+e.ID, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, td.do(t, http.MethodPatch, "/api/apps/"+e.ID, `{"display_name": " "}`).Code)
	assert.Equal(t, http.StatusNotFound, td.do(t, http.MethodPatch, "/api/apps/missing", `{"notes": "x"}`).Code)

	td.do(t, http.MethodPost, "/api/apps/"+e.ID+"/launch", nil)
	recent, err := td.history.Recent(context.Background(), e.ID, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	rec = td.do(t, http.MethodDelete, "/api/apps/"+e.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	recent, err = td.history.Recent(context.Background(), e.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, recent, "removal forgets launch history")
	assert.Equal(t, http.StatusNotFound, td.do(t, http.MethodGet, "/api/apps/"+e.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, td.do(t, http.MethodDelete, "/api/apps/"+e.ID, nil).Code)
	assert.DirExists(t, td.bottles.Path(e.Bottle))
}

func TestAppByID_Routing(t *testing.T) {
	td := newTestDaemon(t)
	e := td.register(t, "a.exe", "Games")

	assert.Equal(t, http.StatusBadRequest, td.do(t, http.MethodGet, "/api/apps/", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, td.do(t, http.MethodPut, "/api/apps/"+e.ID, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, td.do(t, http.MethodGet, "/api/apps/"+e.ID+"/launch", nil).Code)
	assert.Equal(t, http.StatusNotFound, td.do(t, http.MethodGet, "/api/apps/"+e.ID+"/bogus", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, td.do(t, http.MethodDelete, "/api/apps", nil).Code)
}

func TestLaunch_NoRuntime(t *testing.T) {
	td := newTestDaemon(t)
	e := td.register(t, "a.exe", "Games")
	require.NoError(t, os.RemoveAll(td.bottles.Path(e.Bottle)))

	rec := td.do(t, http.MethodPost, "/api/apps/"+e.ID+"/launch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[LaunchResponse](t, rec)
	require.NotNil(t, resp.Result)
	assert.Equal(t, launch.StateFailed, resp.Result.State)
	assert.Contains(t, resp.Error, "runtime unavailable")

	assert.Zero(t, td.spawner.count())
	assert.NoDirExists(t, td.bottles.Path(e.Bottle))

	hist := decode[HistoryResponse](t, td.do(t, http.MethodGet, "/api/apps/"+e.ID+"/history", nil))
	require.Len(t, hist.Launches, 1)
	assert.Equal(t, "failed", hist.Launches[0].State)
}

func TestLaunch_Spawned(t *testing.T) {
	td := newTestDaemon(t)
	wine := td.installRuntime(t)
	e := td.register(t, "a.exe", "Games")

	rec := td.do(t, http.MethodPost, "/api/apps/"+e.ID+"/launch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LaunchResponse](t, rec)
	assert.Equal(t, launch.StateSpawned, resp.Result.State)
	assert.Equal(t, 1001, resp.Result.PID)
	assert.True(t, resp.Result.Managed)
	assert.Equal(t, wine, resp.Result.Argv[0])
	assert.Equal(t, 1, td.spawner.count())

	metricsBody := td.do(t, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, metricsBody, `cellar_launches_total{managed="true",state="spawned"} 1`)
	assert.Contains(t, metricsBody, `route="/api/apps/{id}/launch"`)

	rec = td.do(t, http.MethodGet, "/api/apps/"+e.ID+"/history?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[HistoryResponse](t, rec).Launches, 1)
	assert.Equal(t, http.StatusBadRequest, td.do(t, http.MethodGet, "/api/apps/"+e.ID+"/history?limit=x", nil).Code)
}

func TestLaunch_MissingFile(t *testing.T) {
	td := newTestDaemon(t)
	td.installRuntime(t)
	e := td.register(t, "a.exe", "Games")
	require.NoError(t, os.Remove(e.Path))

	rec := td.do(t, http.MethodPost, "/api/apps/"+e.ID+"/launch", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Zero(t, td.spawner.count())
	assert.Equal(t, http.StatusNotFound, td.do(t, http.MethodPost, "/api/apps/missing/launch", nil).Code)
}

func TestCategories(t *testing.T) {
	td := newTestDaemon(t)

	rec := td.do(t, http.MethodPost, "/api/categories", CreateCategoryRequest{Name: "Emulators"})
	require.Equal(t, http.StatusCreated, rec.Code)
	cats := decode[CategoriesResponse](t, rec).Categories
	require.Len(t, cats, 4)
	assert.Equal(t, "Emulators", cats[3].Name)
	assert.False(t, cats[3].Builtin)

	assert.Equal(t, http.StatusBadRequest, td.do(t, http.MethodPost, "/api/categories", CreateCategoryRequest{}).Code)
	assert.Len(t, decode[CategoriesResponse](t, td.do(t, http.MethodGet, "/api/categories", nil)).Categories, 4)
}

func TestRuntime(t *testing.T) {
	td := newTestDaemon(t)

	resp := decode[RuntimeResponse](t, td.do(t, http.MethodGet, "/api/runtime", nil))
	assert.False(t, resp.Found)
	assert.Equal(t, td.settings.RuntimeDir, resp.Dir)

	rec := td.do(t, http.MethodPost, "/api/runtime/install", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	td.installRuntime(t)
	resp = decode[RuntimeResponse](t, td.do(t, http.MethodGet, "/api/runtime", nil))
	assert.True(t, resp.Found)
	assert.True(t, resp.Runtime.Managed)
}

func TestRuntimeInstall_Async(t *testing.T) {
	td := newTestDaemon(t)
	archive := filepath.Join(td.dir, "empty.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("not gzip"), 0o644))
	td.installer = installer.New(installer.Options{Source: archive, Dir: td.settings.RuntimeDir})

	rec := td.do(t, http.MethodPost, "/api/runtime/install", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "installing", decode[InstallResponse](t, rec).Status)

	// The bad archive fails in the background and clears the busy flag.
	require.Eventually(t, func() bool { return !td.installer.Busy() }, 5*time.Second, 10*time.Millisecond)
}

func TestPruneBottles(t *testing.T) {
	td := newTestDaemon(t)
	keep := td.register(t, "a.exe", "Games")
	gone := td.register(t, "b.exe", "Games")
	require.Equal(t, http.StatusNoContent, td.do(t, http.MethodDelete, "/api/apps/"+gone.ID, nil).Code)

	rec := td.do(t, http.MethodPost, "/api/bottles/prune", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{gone.Bottle}, decode[PruneResponse](t, rec).Removed)
	assert.DirExists(t, td.bottles.Path(keep.Bottle))
}

func TestPruneBottles_RefusedWithCorruptStore(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(dir)
	require.NoError(t, os.MkdirAll(filepath.Dir(settings.RegistryFile), 0o700))
	require.NoError(t, os.WriteFile(settings.RegistryFile, []byte(`{"exes": [{"id": "1", "bottle": "bottle_0"`), 0o600))
	save := filepath.Join(settings.BottlesDir, "bottle_0", "save.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(save), 0o755))
	require.NoError(t, os.WriteFile(save, []byte("progress"), 0o644))

	d, err := New(&Config{Settings: settings, LookPath: noPath, Spawner: &recordingSpawner{}})
	require.NoError(t, err)
	require.NoError(t, d.open(), "a corrupt store does not stop the daemon")
	t.Cleanup(d.close)
	td := &testDaemon{Daemon: d, h: d.handler(), dir: dir}

	rec := td.do(t, http.MethodPost, "/api/bottles/prune", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "before pruning")
	assert.FileExists(t, save)
}

func TestHealthAndCatalog(t *testing.T) {
	td := newTestDaemon(t)
	td.register(t, "a.exe", "Games")

	health := decode[HealthResponse](t, td.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Entries)

	cat := decode[CatalogResponse](t, td.do(t, http.MethodGet, "/api/catalog", nil))
	assert.Len(t, cat.Apps, 3)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", registry.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: x", bottle.ErrInvalidID), http.StatusBadRequest},
		{installer.ErrNoSource, http.StatusBadRequest},
		{registry.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: /a.exe", launch.ErrMissingFile), http.StatusGone},
		{fmt.Errorf("%w: none", launch.ErrRuntimeUnavailable), http.StatusServiceUnavailable},
		{installer.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: exes.json", registry.ErrPersistence), http.StatusConflict},
		{fmt.Errorf("%w: disk", registry.ErrIO), http.StatusInternalServerError},
		{launch.ErrLaunch, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/apps", routeLabel("/api/apps"))
	assert.Equal(t, "/api/apps/", routeLabel("/api/apps/"))
	assert.Equal(t, "/api/apps/{id}", routeLabel("/api/apps/123"))
	assert.Equal(t, "/api/apps/{id}/launch", routeLabel("/api/apps/123/launch"))
}

func TestWatcher_ReloadsExternalEdits(t *testing.T) {
	td := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := td.watchRegistry(ctx)
	require.NoError(t, err)
	defer w.Close()

	// Another writer on the same store.
	other := registry.New(registry.Options{Path: td.settings.RegistryFile, Bottles: td.bottles})
	require.NoError(t, other.Load())
	_, err = other.Register(td.exe(t, "external.exe"), "Games")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return td.registry.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
}
