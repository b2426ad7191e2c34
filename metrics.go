package daq

import (
	"sync/atomic"
	"time"
)

// PersistLatencyBuckets defines the persistence latency histogram
// buckets in nanoseconds, from 10us to 10s with logarithmic spacing.
var PersistLatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numPersistLatencyBuckets = 7

// Metrics tracks operational statistics for a controller
type Metrics struct {
	// Epoch lifecycle counters
	EpochsStarted   atomic.Uint64 // Epochs entered via RunEpoch
	EpochsCompleted atomic.Uint64 // Epochs that reached completion
	EpochsDiscarded atomic.Uint64 // Epochs abandoned before completion
	EpochsSaved     atomic.Uint64 // Epochs committed by a persistor

	// Data-path counters
	ChunksPulled   atomic.Uint64 // Stimulus chunks handed to devices
	ChunksPushed   atomic.Uint64 // Input chunks received from devices
	SamplesPushed  atomic.Uint64 // Input samples routed into responses
	ChunksDropped  atomic.Uint64 // Input chunks discarded (no epoch or no response)
	ObserverPanics atomic.Uint64 // Observer callbacks that panicked

	// Persistence latency tracking
	PersistLatencyNs atomic.Uint64 // Cumulative persist latency in nanoseconds
	PersistCount     atomic.Uint64 // Persist operations (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] counts persists with latency <= PersistLatencyBuckets[i]
	PersistLatency [numPersistLatencyBuckets]atomic.Uint64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordPersist records a persistence operation's latency
func (m *Metrics) RecordPersist(latency time.Duration) {
	ns := uint64(latency.Nanoseconds())
	m.PersistLatencyNs.Add(ns)
	m.PersistCount.Add(1)
	for i, bound := range PersistLatencyBuckets {
		if ns <= bound {
			m.PersistLatency[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of controller metrics
type MetricsSnapshot struct {
	EpochsStarted   uint64
	EpochsCompleted uint64
	EpochsDiscarded uint64
	EpochsSaved     uint64

	ChunksPulled   uint64
	ChunksPushed   uint64
	SamplesPushed  uint64
	ChunksDropped  uint64
	ObserverPanics uint64

	PersistLatencyNs uint64
	PersistCount     uint64
	PersistLatency   [numPersistLatencyBuckets]uint64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		EpochsStarted:   m.EpochsStarted.Load(),
		EpochsCompleted: m.EpochsCompleted.Load(),
		EpochsDiscarded: m.EpochsDiscarded.Load(),
		EpochsSaved:     m.EpochsSaved.Load(),

		ChunksPulled:   m.ChunksPulled.Load(),
		ChunksPushed:   m.ChunksPushed.Load(),
		SamplesPushed:  m.SamplesPushed.Load(),
		ChunksDropped:  m.ChunksDropped.Load(),
		ObserverPanics: m.ObserverPanics.Load(),

		PersistLatencyNs: m.PersistLatencyNs.Load(),
		PersistCount:     m.PersistCount.Load(),
	}
	for i := range s.PersistLatency {
		s.PersistLatency[i] = m.PersistLatency[i].Load()
	}
	return s
}

// AveragePersistLatency returns the mean persist latency, or 0 if no
// epoch has been persisted yet
func (s MetricsSnapshot) AveragePersistLatency() time.Duration {
	if s.PersistCount == 0 {
		return 0
	}
	return time.Duration(s.PersistLatencyNs / s.PersistCount)
}
