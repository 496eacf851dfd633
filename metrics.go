package sysemu

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-sysemu/internal/mman"
	"github.com/ehrlich-b/go-sysemu/internal/proxy"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks mapping and proxying statistics for a System
type Metrics struct {
	// Mapping operation counters
	MapOps      atomic.Uint64 // Total map operations
	AnonMapOps  atomic.Uint64 // Successful anonymous maps
	FileMapOps  atomic.Uint64 // Successful file-backed maps
	UnmapOps    atomic.Uint64 // Total unmap operations
	SyncOps     atomic.Uint64 // Total sync operations
	MapErrors   atomic.Uint64 // Map operation errors
	UnmapErrors atomic.Uint64 // Unmap operation errors
	SyncErrors  atomic.Uint64 // Sync operation errors

	// Byte counters
	MappedBytes   atomic.Uint64 // Total bytes mapped
	UnmappedBytes atomic.Uint64 // Total bytes unmapped

	// Active mappings (successful maps minus successful unmaps)
	ActiveMappings atomic.Int64

	// Proxy counters
	AsyncTasks    atomic.Uint64 // Accepted fire-and-forget submissions
	SyncTasks     atomic.Uint64 // Accepted blocking submissions
	SyncCtxTasks  atomic.Uint64 // Accepted blocking submissions with explicit finish
	RejectedTasks atomic.Uint64 // Submissions to invalid or dead targets
	ExecutedTasks atomic.Uint64 // Tasks run by drain passes
	DrainPasses   atomic.Uint64 // Drain calls that ran at least one task

	// Performance tracking for mapping operations
	TotalLatencyNs atomic.Uint64 // Cumulative operation latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// System lifecycle
	StartTime atomic.Int64 // Start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordMap records a map operation
func (m *Metrics) RecordMap(length uint64, anonymous bool, latencyNs uint64, success bool) {
	m.MapOps.Add(1)
	if success {
		m.MappedBytes.Add(length)
		m.ActiveMappings.Add(1)
		if anonymous {
			m.AnonMapOps.Add(1)
		} else {
			m.FileMapOps.Add(1)
		}
	} else {
		m.MapErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordUnmap records an unmap operation
func (m *Metrics) RecordUnmap(length uint64, latencyNs uint64, success bool) {
	m.UnmapOps.Add(1)
	if success {
		m.UnmappedBytes.Add(length)
		m.ActiveMappings.Add(-1)
	} else {
		m.UnmapErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSync records a sync operation
func (m *Metrics) RecordSync(latencyNs uint64, success bool) {
	m.SyncOps.Add(1)
	if !success {
		m.SyncErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSubmit records a proxy submission of the given kind
func (m *Metrics) RecordSubmit(kind string, accepted bool) {
	if !accepted {
		m.RejectedTasks.Add(1)
		return
	}
	switch kind {
	case "async":
		m.AsyncTasks.Add(1)
	case "sync":
		m.SyncTasks.Add(1)
	case "sync_ctx":
		m.SyncCtxTasks.Add(1)
	}
}

// RecordDrain records a drain pass that ran tasks
func (m *Metrics) RecordDrain(tasks int) {
	m.DrainPasses.Add(1)
	m.ExecutedTasks.Add(uint64(tasks))
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the system as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	// Mapping operations
	MapOps      uint64
	AnonMapOps  uint64
	FileMapOps  uint64
	UnmapOps    uint64
	SyncOps     uint64
	MapErrors   uint64
	UnmapErrors uint64
	SyncErrors  uint64

	MappedBytes    uint64
	UnmappedBytes  uint64
	ActiveMappings int64

	// Proxying
	AsyncTasks    uint64
	SyncTasks     uint64
	SyncCtxTasks  uint64
	RejectedTasks uint64
	ExecutedTasks uint64
	DrainPasses   uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalOps       uint64
	TotalSubmitted uint64
	AvgBatchSize   float64 // Tasks per drain pass
	ErrorRate      float64 // Percentage of failed mapping operations
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		MapOps:         m.MapOps.Load(),
		AnonMapOps:     m.AnonMapOps.Load(),
		FileMapOps:     m.FileMapOps.Load(),
		UnmapOps:       m.UnmapOps.Load(),
		SyncOps:        m.SyncOps.Load(),
		MapErrors:      m.MapErrors.Load(),
		UnmapErrors:    m.UnmapErrors.Load(),
		SyncErrors:     m.SyncErrors.Load(),
		MappedBytes:    m.MappedBytes.Load(),
		UnmappedBytes:  m.UnmappedBytes.Load(),
		ActiveMappings: m.ActiveMappings.Load(),
		AsyncTasks:     m.AsyncTasks.Load(),
		SyncTasks:      m.SyncTasks.Load(),
		SyncCtxTasks:   m.SyncCtxTasks.Load(),
		RejectedTasks:  m.RejectedTasks.Load(),
		ExecutedTasks:  m.ExecutedTasks.Load(),
		DrainPasses:    m.DrainPasses.Load(),
	}

	snap.TotalOps = snap.MapOps + snap.UnmapOps + snap.SyncOps
	snap.TotalSubmitted = snap.AsyncTasks + snap.SyncTasks + snap.SyncCtxTasks

	if snap.DrainPasses > 0 {
		snap.AvgBatchSize = float64(snap.ExecutedTasks) / float64(snap.DrainPasses)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate error rate
	totalErrors := snap.MapErrors + snap.UnmapErrors + snap.SyncErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.MapOps, &m.AnonMapOps, &m.FileMapOps, &m.UnmapOps, &m.SyncOps,
		&m.MapErrors, &m.UnmapErrors, &m.SyncErrors,
		&m.MappedBytes, &m.UnmappedBytes,
		&m.AsyncTasks, &m.SyncTasks, &m.SyncCtxTasks, &m.RejectedTasks,
		&m.ExecutedTasks, &m.DrainPasses,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.ActiveMappings.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection. It is the union of
// the mapping and proxying observer hooks.
type Observer interface {
	// ObserveMap is called for each map operation
	ObserveMap(length int64, anonymous bool, latencyNs uint64, success bool)

	// ObserveUnmap is called for each unmap operation
	ObserveUnmap(length int64, latencyNs uint64, success bool)

	// ObserveSync is called for each sync operation
	ObserveSync(latencyNs uint64, success bool)

	// ObserveSubmit is called for each proxy submission
	ObserveSubmit(kind string, accepted bool)

	// ObserveDrain is called after each drain pass that ran tasks
	ObserveDrain(tasks int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveMap(int64, bool, uint64, bool) {}
func (NoOpObserver) ObserveUnmap(int64, uint64, bool)     {}
func (NoOpObserver) ObserveSync(uint64, bool)             {}
func (NoOpObserver) ObserveSubmit(string, bool)           {}
func (NoOpObserver) ObserveDrain(int)                     {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveMap(length int64, anonymous bool, latencyNs uint64, success bool) {
	o.metrics.RecordMap(uint64(length), anonymous, latencyNs, success)
}

func (o *MetricsObserver) ObserveUnmap(length int64, latencyNs uint64, success bool) {
	o.metrics.RecordUnmap(uint64(length), latencyNs, success)
}

func (o *MetricsObserver) ObserveSync(latencyNs uint64, success bool) {
	o.metrics.RecordSync(latencyNs, success)
}

func (o *MetricsObserver) ObserveSubmit(kind string, accepted bool) {
	o.metrics.RecordSubmit(kind, accepted)
}

func (o *MetricsObserver) ObserveDrain(tasks int) {
	o.metrics.RecordDrain(tasks)
}

// multiObserver fans events out to several observers
type multiObserver []Observer

// MultiObserver returns an Observer that forwards to each of observers
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

func (m multiObserver) ObserveMap(length int64, anonymous bool, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveMap(length, anonymous, latencyNs, success)
	}
}

func (m multiObserver) ObserveUnmap(length int64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveUnmap(length, latencyNs, success)
	}
}

func (m multiObserver) ObserveSync(latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveSync(latencyNs, success)
	}
}

func (m multiObserver) ObserveSubmit(kind string, accepted bool) {
	for _, o := range m {
		o.ObserveSubmit(kind, accepted)
	}
}

func (m multiObserver) ObserveDrain(tasks int) {
	for _, o := range m {
		o.ObserveDrain(tasks)
	}
}

// Compile-time interface checks
var (
	_ Observer       = (*MetricsObserver)(nil)
	_ Observer       = (*NoOpObserver)(nil)
	_ Observer       = multiObserver(nil)
	_ mman.Observer  = Observer(nil)
	_ proxy.Observer = Observer(nil)
)
