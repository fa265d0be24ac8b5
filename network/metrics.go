package network

import "github.com/prometheus/client_golang/prometheus"

var PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "swarm",
	Subsystem: "network",
	Name:      "peers_connected",
})

var BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "network",
	Name:      "bytes_read",
})

var BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "network",
	Name:      "bytes_written",
})

func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{PeersConnected, BytesRead, BytesWritten} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
