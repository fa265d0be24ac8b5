package oplog

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// Collector exports the pebble metrics of a store.
type Collector struct {
	store   *Store
	metrics []storeMetric
}

func NewCollector(store *Store) *Collector {
	labels := prometheus.Labels{"dir": store.Dir()}
	metric := func(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) storeMetric {
		return storeMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName("swarm", "oplog", name), help, nil, labels),
			kind:  kind,
			value: value,
		}
	}
	return &Collector{
		store: store,
		metrics: []storeMetric{
			metric("compactions_total", "Compactions performed", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			metric("compaction_debt_bytes", "Bytes to compact to reach a stable state", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			metric("compaction_in_progress_bytes", "Bytes being compacted", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			metric("memtable_size_bytes", "Memtable size", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			metric("memtables", "Memtable count", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			metric("wal_files", "Live WAL files", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			metric("wal_size_bytes", "Live WAL data", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			metric("wal_bytes_in_total", "Logical bytes written to the WAL", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }),
			metric("wal_bytes_written_total", "Physical bytes written to the WAL", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			metric("disk_usage_bytes", "Disk space used by the store", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	db := c.store.DB()
	if db == nil {
		return
	}
	stats := db.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}
