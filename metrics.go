package swarm

import "github.com/prometheus/client_golang/prometheus"

var SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarm",
	Subsystem: "host",
	Name:      "sessions_open",
})

var FramesRejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "host",
	Name:      "frames_rejected",
})
