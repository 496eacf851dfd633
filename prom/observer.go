// Package prom exports System events and state as Prometheus metrics
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	sysemu "github.com/ehrlich-b/go-sysemu"
)

// Observer implements sysemu.Observer on Prometheus collectors
type Observer struct {
	opLatency   *prometheus.HistogramVec
	ops         *prometheus.CounterVec
	mappedBytes *prometheus.CounterVec
	submits     *prometheus.CounterVec
	executed    prometheus.Counter
	drains      prometheus.Counter
}

// NewObserver creates an Observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mapping_operation_latency_seconds",
			Help:      "Latency of mmap, munmap and msync",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_operations_total",
			Help:      "Mapping operations by kind and status",
		}, []string{"op", "kind", "status"}),
		mappedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_bytes_total",
			Help:      "Bytes mapped and unmapped",
		}, []string{"op"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_submissions_total",
			Help:      "Proxied task submissions by kind and outcome",
		}, []string{"kind", "status"}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_tasks_executed_total",
			Help:      "Proxied tasks run by target threads",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_drain_passes_total",
			Help:      "Queue drain passes that ran at least one task",
		}),
	}

	for _, c := range []prometheus.Collector{o.opLatency, o.ops, o.mappedBytes, o.submits, o.executed, o.drains} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func seconds(ns uint64) float64 {
	return time.Duration(ns).Seconds()
}

// ObserveMap implements sysemu.Observer
func (o *Observer) ObserveMap(length int64, anonymous bool, latencyNs uint64, success bool) {
	kind := "file"
	if anonymous {
		kind = "anonymous"
	}
	o.opLatency.WithLabelValues("mmap", status(success)).Observe(seconds(latencyNs))
	o.ops.WithLabelValues("mmap", kind, status(success)).Inc()
	if success {
		o.mappedBytes.WithLabelValues("mmap").Add(float64(length))
	}
}

// ObserveUnmap implements sysemu.Observer
func (o *Observer) ObserveUnmap(length int64, latencyNs uint64, success bool) {
	o.opLatency.WithLabelValues("munmap", status(success)).Observe(seconds(latencyNs))
	o.ops.WithLabelValues("munmap", "none", status(success)).Inc()
	if success {
		o.mappedBytes.WithLabelValues("munmap").Add(float64(length))
	}
}

// ObserveSync implements sysemu.Observer
func (o *Observer) ObserveSync(latencyNs uint64, success bool) {
	o.opLatency.WithLabelValues("msync", status(success)).Observe(seconds(latencyNs))
	o.ops.WithLabelValues("msync", "none", status(success)).Inc()
}

// ObserveSubmit implements sysemu.Observer
func (o *Observer) ObserveSubmit(kind string, accepted bool) {
	s := "accepted"
	if !accepted {
		s = "rejected"
	}
	o.submits.WithLabelValues(kind, s).Inc()
}

// ObserveDrain implements sysemu.Observer
func (o *Observer) ObserveDrain(tasks int) {
	o.drains.Inc()
	o.executed.Add(float64(tasks))
}

var _ sysemu.Observer = (*Observer)(nil)
