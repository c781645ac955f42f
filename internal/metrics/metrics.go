// Package metrics holds the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Invocations counts finished invocations by result status.
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plumbgate_invocations_total",
		Help: "Total number of module invocations by result status",
	}, []string{"status"})

	// InvocationDuration tracks how long one invocation takes on a gate.
	InvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plumbgate_invocation_duration_seconds",
		Help:    "Duration of a module invocation, including staging and retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	// GateOpens counts gate open attempts by outcome.
	GateOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plumbgate_gate_opens_total",
		Help: "Total number of gate open attempts",
	}, []string{"result"}) // result: ok, failed

	// LiveGates tracks gates that are currently open.
	LiveGates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plumbgate_live_gates",
		Help: "Current number of open gates",
	})

	// ModuleUploads counts module sources shipped to gates.
	ModuleUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plumbgate_module_uploads_total",
		Help: "Total number of module sources sent to gate runtimes",
	})
)
