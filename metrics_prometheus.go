package daq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes controller metrics as a
// prometheus.Collector so hosts can register them alongside their own.
type MetricsCollector struct {
	metrics *Metrics

	epochsStarted   *prometheus.Desc
	epochsCompleted *prometheus.Desc
	epochsDiscarded *prometheus.Desc
	epochsSaved     *prometheus.Desc
	chunksPulled    *prometheus.Desc
	chunksPushed    *prometheus.Desc
	samplesPushed   *prometheus.Desc
	chunksDropped   *prometheus.Desc
	observerPanics  *prometheus.Desc
	persistLatency  *prometheus.Desc
}

// NewMetricsCollector wraps a controller's metrics for Prometheus
// registration.
func NewMetricsCollector(m *Metrics) *MetricsCollector {
	return &MetricsCollector{
		metrics: m,
		epochsStarted: prometheus.NewDesc("daq_epochs_started_total",
			"Epochs entered via RunEpoch", nil, nil),
		epochsCompleted: prometheus.NewDesc("daq_epochs_completed_total",
			"Epochs that reached completion", nil, nil),
		epochsDiscarded: prometheus.NewDesc("daq_epochs_discarded_total",
			"Epochs abandoned before completion", nil, nil),
		epochsSaved: prometheus.NewDesc("daq_epochs_saved_total",
			"Epochs committed by a persistor", nil, nil),
		chunksPulled: prometheus.NewDesc("daq_chunks_pulled_total",
			"Stimulus chunks handed to devices", nil, nil),
		chunksPushed: prometheus.NewDesc("daq_chunks_pushed_total",
			"Input chunks received from devices", nil, nil),
		samplesPushed: prometheus.NewDesc("daq_samples_pushed_total",
			"Input samples routed into response buffers", nil, nil),
		chunksDropped: prometheus.NewDesc("daq_chunks_dropped_total",
			"Input chunks discarded with no destination", nil, nil),
		observerPanics: prometheus.NewDesc("daq_observer_panics_total",
			"Observer callbacks that panicked", nil, nil),
		persistLatency: prometheus.NewDesc("daq_persist_latency_seconds",
			"Epoch persistence latency", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.epochsStarted
	ch <- c.epochsCompleted
	ch <- c.epochsDiscarded
	ch <- c.epochsSaved
	ch <- c.chunksPulled
	ch <- c.chunksPushed
	ch <- c.samplesPushed
	ch <- c.chunksDropped
	ch <- c.observerPanics
	ch <- c.persistLatency
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.epochsStarted, s.EpochsStarted)
	counter(c.epochsCompleted, s.EpochsCompleted)
	counter(c.epochsDiscarded, s.EpochsDiscarded)
	counter(c.epochsSaved, s.EpochsSaved)
	counter(c.chunksPulled, s.ChunksPulled)
	counter(c.chunksPushed, s.ChunksPushed)
	counter(c.samplesPushed, s.SamplesPushed)
	counter(c.chunksDropped, s.ChunksDropped)
	counter(c.observerPanics, s.ObserverPanics)

	buckets := make(map[float64]uint64, len(PersistLatencyBuckets))
	for i, bound := range PersistLatencyBuckets {
		buckets[float64(bound)/1e9] = s.PersistLatency[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.persistLatency,
		s.PersistCount, float64(s.PersistLatencyNs)/1e9, buckets)
}
