package runtime

import (
	"errors"
	"testing"
	"time"
)

func TestStatsRecorderCounts(t *testing.T) {
	s := newStatsRecorder(nil)

	s.recordDispatch(10*time.Millisecond, nil)
	s.recordDispatch(20*time.Millisecond, errors.New("boom"))
	s.recordDrop()
	s.recordDuplicate()
	s.recordDuplicate()

	snap := s.Snapshot()
	if snap.EnvelopesDispatched != 2 {
		t.Fatalf("dispatched = %d", snap.EnvelopesDispatched)
	}
	if snap.EnvelopesFailed != 1 {
		t.Fatalf("failed = %d", snap.EnvelopesFailed)
	}
	if snap.EnvelopesDropped != 1 {
		t.Fatalf("dropped = %d", snap.EnvelopesDropped)
	}
	if snap.DuplicatesSuppressed != 2 {
		t.Fatalf("duplicates = %d", snap.DuplicatesSuppressed)
	}
	if snap.Latency.AverageNs != int64(15*time.Millisecond) {
		t.Fatalf("average = %d", snap.Latency.AverageNs)
	}
	if snap.Latency.LastNs != int64(20*time.Millisecond) {
		t.Fatalf("last = %d", snap.Latency.LastNs)
	}
	if snap.LastDispatchedAt.IsZero() {
		t.Fatal("LastDispatchedAt not set")
	}
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(100)
	for i := 1; i <= 100; i++ {
		lw.Add(time.Duration(i) * time.Millisecond)
	}

	snap := lw.Snapshot()
	if snap.SampleSize != 100 {
		t.Fatalf("sample size = %d", snap.SampleSize)
	}
	if snap.P50Ns < int64(45*time.Millisecond) || snap.P50Ns > int64(55*time.Millisecond) {
		t.Fatalf("p50 = %v", time.Duration(snap.P50Ns))
	}
	if snap.P95Ns < int64(90*time.Millisecond) || snap.P95Ns > int64(100*time.Millisecond) {
		t.Fatalf("p95 = %v", time.Duration(snap.P95Ns))
	}
	if snap.P99Ns < snap.P95Ns {
		t.Fatalf("p99 %v below p95 %v", snap.P99Ns, snap.P95Ns)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(4)
	for i := 0; i < 10; i++ {
		lw.Add(time.Duration(i+1) * time.Millisecond)
	}

	snap := lw.Snapshot()
	if snap.SampleSize != 4 {
		t.Fatalf("sample size = %d after wrap", snap.SampleSize)
	}
	if snap.LastNs != int64(10*time.Millisecond) {
		t.Fatalf("last = %v", time.Duration(snap.LastNs))
	}
}

func TestPercentileEdgeCases(t *testing.T) {
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %d", got)
	}
	if got := percentile([]int64{42}, 0.99); got != 42 {
		t.Fatalf("single sample percentile = %d", got)
	}
}

func TestResourceSampler(t *testing.T) {
	s := newResourceSampler()

	usage := s.Snapshot()
	if usage.MemoryBytes == 0 {
		t.Fatal("memory usage not sampled")
	}
	if usage.Goroutines <= 0 {
		t.Fatalf("goroutines = %d", usage.Goroutines)
	}
}
