package pipeline

import (
	"testing"
	"time"
)

func TestStats_SuccessRate(t *testing.T) {
	s := NewStats()

	snap := s.Snapshot()
	if snap.SuccessRate != 1.0 {
		t.Errorf("Idle success rate = %f, want 1.0", snap.SuccessRate)
	}

	for i := 0; i < 9; i++ {
		s.RecordPublished(time.Millisecond)
	}
	s.RecordFailure()

	snap = s.Snapshot()
	if snap.Published != 9 || snap.Failed != 1 {
		t.Errorf("Totals = %d/%d", snap.Published, snap.Failed)
	}
	if snap.SuccessRate != 0.9 {
		t.Errorf("Success rate = %f, want 0.9", snap.SuccessRate)
	}
}

func TestStats_LatencyPercentiles(t *testing.T) {
	s := NewStats()

	// 100 publishes at 1..100ms: the percentiles are unambiguous.
	for i := 1; i <= 100; i++ {
		s.RecordPublished(time.Duration(i) * time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.PublishP50MS < 45 || snap.PublishP50MS > 55 {
		t.Errorf("p50 = %fms, want ~50ms", snap.PublishP50MS)
	}
	if snap.PublishP95MS < 90 || snap.PublishP95MS > 100 {
		t.Errorf("p95 = %fms, want ~95ms", snap.PublishP95MS)
	}
	if snap.PublishP99MS < 95 || snap.PublishP99MS > 100 {
		t.Errorf("p99 = %fms, want ~99ms", snap.PublishP99MS)
	}
}

func TestStats_LatencyWindowWraps(t *testing.T) {
	s := NewStats()

	// Overrun the ring: old samples fall out, snapshot still sane.
	for i := 0; i < latencyWindow+100; i++ {
		s.RecordPublished(10 * time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.Published != uint64(latencyWindow+100) {
		t.Errorf("Published = %d", snap.Published)
	}
	if snap.PublishP50MS != 10 {
		t.Errorf("p50 = %fms, want 10ms", snap.PublishP50MS)
	}
}
