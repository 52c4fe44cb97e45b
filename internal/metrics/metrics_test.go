package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gurisko/cellar/internal/launch"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLaunch(t *testing.T) {
	m := New()
	m.RecordLaunch(context.Background(), &launch.Result{State: launch.StateSpawned, Managed: true})
	m.RecordLaunch(context.Background(), &launch.Result{State: launch.StateSpawned, Managed: true})
	m.RecordLaunch(context.Background(), &launch.Result{State: launch.StateFailed})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Launches.WithLabelValues("spawned", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Launches.WithLabelValues("failed", "false")))
}

func TestMutationAndInstall(t *testing.T) {
	m := New()
	m.Mutation("register", nil)
	m.Mutation("register", errors.New("boom"))
	m.Install(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("register", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("register", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuntimeInstalls.WithLabelValues("ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Entries.Set(3)
	m.ObserveRequest(http.MethodGet, "/api/apps", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cellar_registry_entries 3")
	assert.Contains(t, string(body), `cellar_http_requests_total{method="GET",route="/api/apps",status="200"} 1`)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Reloads.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Reloads))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Reloads))
}
