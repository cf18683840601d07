package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindow bounds how many recent publish latencies are kept for
// percentile estimation.
const latencyWindow = 1024

// Stats accumulates pipeline totals and recent publish latencies for
// the status surface. Prometheus carries the long-term series; this
// exists so /status can answer without a metrics scrape.
type Stats struct {
	start time.Time

	processed    atomic.Uint64
	published    atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	dataLoss     atomic.Uint64

	mu        sync.Mutex
	latencies []float64 // seconds, ring buffer
	next      int
	filled    bool
}

// StatsSnapshot is a point-in-time view of the pipeline totals.
type StatsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Processed     uint64  `json:"events_processed"`
	Published     uint64  `json:"events_published"`
	Failed        uint64  `json:"events_failed"`
	DeadLettered  uint64  `json:"events_dead_lettered"`
	DataLoss      uint64  `json:"events_lost"`
	SuccessRate   float64 `json:"success_rate"`
	PublishP50MS  float64 `json:"publish_p50_ms"`
	PublishP95MS  float64 `json:"publish_p95_ms"`
	PublishP99MS  float64 `json:"publish_p99_ms"`
}

// NewStats creates a Stats anchored at the current time.
func NewStats() *Stats {
	return &Stats{
		start:     time.Now(),
		latencies: make([]float64, latencyWindow),
	}
}

// RecordProcessed counts an event handed to the queue.
func (s *Stats) RecordProcessed() {
	s.processed.Add(1)
}

// RecordPublished counts a successful publish and its latency.
func (s *Stats) RecordPublished(latency time.Duration) {
	s.published.Add(1)

	s.mu.Lock()
	s.latencies[s.next] = latency.Seconds()
	s.next++
	if s.next == len(s.latencies) {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()
}

// RecordFailure counts a failed publish attempt.
func (s *Stats) RecordFailure() {
	s.failed.Add(1)
}

// RecordDeadLetter counts an event routed to the dead-letter topic.
func (s *Stats) RecordDeadLetter() {
	s.deadLettered.Add(1)
}

// RecordDataLoss counts an event lost after the dead-letter publish
// itself failed.
func (s *Stats) RecordDataLoss() {
	s.dataLoss.Add(1)
}

// Snapshot computes the current totals and latency percentiles.
func (s *Stats) Snapshot() StatsSnapshot {
	published := s.published.Load()
	failed := s.failed.Load()

	snap := StatsSnapshot{
		UptimeSeconds: time.Since(s.start).Seconds(),
		Processed:     s.processed.Load(),
		Published:     published,
		Failed:        failed,
		DeadLettered:  s.deadLettered.Load(),
		DataLoss:      s.dataLoss.Load(),
		SuccessRate:   1.0,
	}
	if published+failed > 0 {
		snap.SuccessRate = float64(published) / float64(published+failed)
	}

	s.mu.Lock()
	n := s.next
	if s.filled {
		n = len(s.latencies)
	}
	sorted := make([]float64, n)
	copy(sorted, s.latencies[:n])
	s.mu.Unlock()

	if n > 0 {
		sort.Float64s(sorted)
		snap.PublishP50MS = sorted[n/2] * 1000
		snap.PublishP95MS = sorted[n*95/100] * 1000
		snap.PublishP99MS = sorted[n*99/100] * 1000
	}

	return snap
}
