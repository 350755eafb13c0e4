package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "optobench"

var (
	// InstrumentCommands counts commands issued to an instrument, by device
	// name and operation (write, read, query).
	InstrumentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "instrument",
		Name:      "commands_total",
		Help:      "Commands issued to instruments.",
	}, []string{"device", "op"})

	// InstrumentErrors counts failed instrument operations by error kind.
	InstrumentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "instrument",
		Name:      "errors_total",
		Help:      "Failed instrument operations by error kind.",
	}, []string{"device", "kind"})

	// InstrumentLatency observes the wall time of each instrument operation.
	InstrumentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "instrument",
		Name:      "op_duration_seconds",
		Help:      "Latency of instrument operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"device", "op"})

	// SweepRuns counts finished sweeps by outcome (completed, aborted).
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Finished current sweeps by outcome.",
	}, []string{"outcome"})

	// SweepPoints counts measurement records acquired across all sweeps.
	SweepPoints = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "points_total",
		Help:      "Measurement records acquired.",
	})

	// SweepActive is 1 while a sweep holds the instruments.
	SweepActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "active",
		Help:      "Whether a sweep is currently running.",
	})
)
