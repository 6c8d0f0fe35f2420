package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildrun"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	builds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "total",
			Help:      "Number of builds started, by kind (build or rebuild).",
		}, []string{"kind"},
	)
	buildFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "failures_total",
			Help:      "Number of builds whose output reported a failure.",
		}, []string{"kind"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Wall time of finished builds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"},
	)
	spawnErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawn_errors_total",
			Help:      "Number of commands that could not be started.",
		}, []string{"kind"},
	)
	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of server processes started.",
		},
	)
	serverStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of server process trees terminated.",
		},
	)
	serverRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "running",
			Help:      "1 while the tracked server process is live.",
		},
	)
	readinessGate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playmode",
			Name:      "gate_total",
			Help:      "Outcomes of the auto-start readiness gate.",
		}, []string{"outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "state_transitions_total",
			Help:      "Number of controller state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{builds, buildFailures, buildDuration, spawnErrors, serverStarts, serverStops, serverRunning, readinessGate, stateTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g, for servers that use their own registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBuild(kind string) {
	if regOK.Load() {
		builds.WithLabelValues(kind).Inc()
	}
}

func ObserveBuild(kind string, failed bool, seconds float64) {
	if regOK.Load() {
		if failed {
			buildFailures.WithLabelValues(kind).Inc()
		}
		buildDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func IncSpawnError(kind string) {
	if regOK.Load() {
		spawnErrors.WithLabelValues(kind).Inc()
	}
}

func IncServerStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncServerStop() {
	if regOK.Load() {
		serverStops.Inc()
	}
}

func SetServerRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		serverRunning.Set(v)
	}
}

// IncGate records a readiness gate outcome: entered, not_ready or cancelled.
func IncGate(outcome string) {
	if regOK.Load() {
		readinessGate.WithLabelValues(outcome).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}
