package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	sysemu "github.com/ehrlich-b/go-sysemu"
)

// Collector reports the current state of a System on each scrape
type Collector struct {
	sys *sysemu.System

	mappings   *prometheus.Desc
	threads    *prometheus.Desc
	heapInUse  *prometheus.Desc
	heapPeak   *prometheus.Desc
	heapLimit  *prometheus.Desc
	queueDepth *prometheus.Desc
}

// NewCollector creates a Collector for sys
func NewCollector(sys *sysemu.System, namespace string) *Collector {
	return &Collector{
		sys: sys,
		mappings: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "mappings"),
			"Live mappings", nil, nil),
		threads: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "threads"),
			"Live threads", nil, nil),
		heapInUse: prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", "in_use_bytes"),
			"Bytes held by live heap allocations", nil, nil),
		heapPeak: prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", "peak_bytes"),
			"High-water mark of heap usage", nil, nil),
		heapLimit: prometheus.NewDesc(prometheus.BuildFQName(namespace, "heap", "limit_bytes"),
			"Heap byte budget, 0 if unlimited", nil, nil),
		queueDepth: prometheus.NewDesc(prometheus.BuildFQName(namespace, "proxy", "system_queue_depth"),
			"Tasks pending on the system queue across live threads", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mappings
	ch <- c.threads
	ch <- c.heapInUse
	ch <- c.heapPeak
	ch <- c.heapLimit
	ch <- c.queueDepth
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	info := c.sys.Info()
	ch <- prometheus.MustNewConstMetric(c.mappings, prometheus.GaugeValue, float64(info.Mappings))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(info.Threads))
	ch <- prometheus.MustNewConstMetric(c.heapInUse, prometheus.GaugeValue, float64(info.HeapInUse))
	ch <- prometheus.MustNewConstMetric(c.heapPeak, prometheus.GaugeValue, float64(info.HeapPeak))
	ch <- prometheus.MustNewConstMetric(c.heapLimit, prometheus.GaugeValue, float64(info.HeapLimit))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(info.SystemTasks))
}

var _ prometheus.Collector = (*Collector)(nil)
