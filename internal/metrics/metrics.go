// Package metrics exposes the patrol server's Prometheus collectors. A
// Registry instance owns its own prometheus.Registry so tests can build
// isolated registries without duplicate-registration panics; the server
// mounts Handler() at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the server emits. It implements
// fleet.OpObserver so gateways feed the RPC histogram directly.
type Registry struct {
	reg *prometheus.Registry

	tasksTotal       *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	fleetRPCDuration *prometheus.HistogramVec
	fleetPollsTotal  *prometheus.CounterVec
	scansTotal       *prometheus.CounterVec
}

// New creates a Registry with all patrol collectors plus the standard Go and
// process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biopatrol_tasks_total",
			Help: "Tasks finished, by terminal status.",
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biopatrol_steps_total",
			Help: "Steps finished, by action and terminal status.",
		}, []string{"action", "status"}),
		fleetRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biopatrol_fleet_rpc_duration_seconds",
			Help:    "Round-trip time of fleet RPC operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"op"}),
		fleetPollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biopatrol_fleet_polls_total",
			Help: "Fleet RPC operations, by outcome.",
		}, []string{"result"}),
		scansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "biopatrol_scans_total",
			Help: "Bio scan attempts recorded, by validity.",
		}, []string{"valid"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// TaskFinished counts one task reaching a terminal status.
func (r *Registry) TaskFinished(status string) {
	r.tasksTotal.WithLabelValues(status).Inc()
}

// StepFinished counts one step reaching a terminal status.
func (r *Registry) StepFinished(action, status string) {
	r.stepsTotal.WithLabelValues(action, status).Inc()
}

// ObserveFleetOp implements fleet.OpObserver.
func (r *Registry) ObserveFleetOp(op string, d time.Duration, success bool) {
	r.fleetRPCDuration.WithLabelValues(op).Observe(d.Seconds())
	result := "ok"
	if !success {
		result = "error"
	}
	r.fleetPollsTotal.WithLabelValues(result).Inc()
}

// ScanRecorded counts one persisted scan attempt.
func (r *Registry) ScanRecorded(valid bool) {
	r.scansTotal.WithLabelValues(strconv.FormatBool(valid)).Inc()
}
