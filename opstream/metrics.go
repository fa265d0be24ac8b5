package opstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

var OpsOffered = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "ops_offered",
}, []string{"stream"})

var OpsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "ops_emitted",
}, []string{"stream"})

var BatchesEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "batches_emitted",
}, []string{"stream"})

var BatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
}, []string{"stream"})

var Stops = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "stops",
}, []string{"stream", "reason"})

var InvalidCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "invalid_completions",
}, []string{"stream"})

var PauseSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "swarm",
	Subsystem: "opstream",
	Name:      "pause_seconds",
}, []string{"stream"})

// RegisterMetrics adds the stream metrics to reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		OpsOffered, OpsEmitted, BatchesEmitted, BatchSize, Stops, InvalidCompletions, PauseSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
