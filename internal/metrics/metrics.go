// Package metrics exposes daemon counters in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gurisko/cellar/internal/launch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry, so several instances can coexist.
type Metrics struct {
	reg *prometheus.Registry

	Launches        *prometheus.CounterVec
	Mutations       *prometheus.CounterVec
	Entries         prometheus.Gauge
	RuntimeInstalls *prometheus.CounterVec
	Reloads         prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Launches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_launches_total",
			Help: "Launch attempts by final state",
		}, []string{"state", "managed"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_registry_mutations_total",
			Help: "Registry mutations by operation and outcome",
		}, []string{"op", "result"}),
		Entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "cellar_registry_entries",
			Help: "Number of registered applications",
		}),
		RuntimeInstalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_runtime_installs_total",
			Help: "Runtime acquisitions by outcome",
		}, []string{"result"}),
		Reloads: f.NewCounter(prometheus.CounterOpts{
			Name: "cellar_registry_reloads_total",
			Help: "Registry reloads triggered by external edits",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cellar_http_requests_total",
			Help: "API requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cellar_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
	}
}

// RecordLaunch satisfies launch.Recorder.
func (m *Metrics) RecordLaunch(_ context.Context, res *launch.Result) {
	managed := "false"
	if res.Managed {
		managed = "true"
	}
	m.Launches.WithLabelValues(string(res.State), managed).Inc()
}

// Mutation counts one registry operation.
func (m *Metrics) Mutation(op string, err error) {
	m.Mutations.WithLabelValues(op, outcome(err)).Inc()
}

// Install counts one runtime acquisition.
func (m *Metrics) Install(err error) {
	m.RuntimeInstalls.WithLabelValues(outcome(err)).Inc()
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
