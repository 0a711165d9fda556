package runtime

import (
	"math"
	goruntime "runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"
)

const latencySampleSize = 256

// EndpointStats is a point-in-time view of one endpoint's dispatch activity.
type EndpointStats struct {
	EnvelopesDispatched  uint64         `json:"envelopes_dispatched"`
	EnvelopesFailed      uint64         `json:"envelopes_failed"`
	EnvelopesDropped     uint64         `json:"envelopes_dropped"`
	DuplicatesSuppressed uint64         `json:"duplicates_suppressed"`
	LastDispatchedAt     time.Time      `json:"last_dispatched_at"`
	Latency              LatencyMetrics `json:"latency"`
	Resource             ResourceUsage  `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// statsRecorder accumulates dispatch counters behind a mutex; Snapshot
// returns a copy so readers never hold the endpoint up.
type statsRecorder struct {
	mu sync.Mutex

	dispatched uint64
	failed     uint64
	dropped    uint64
	duplicates uint64
	totalNs    int64
	lastAt     time.Time

	window  *latencyWindow
	sampler *resourceSampler
}

func newStatsRecorder(sampler *resourceSampler) *statsRecorder {
	return &statsRecorder{
		window:  newLatencyWindow(latencySampleSize),
		sampler: sampler,
	}
}

func (s *statsRecorder) recordDispatch(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatched++
	if err != nil {
		s.failed++
	}
	s.totalNs += int64(duration)
	s.lastAt = time.Now().UTC()
	s.window.Add(duration)
}

func (s *statsRecorder) recordDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *statsRecorder) recordDuplicate() {
	s.mu.Lock()
	s.duplicates++
	s.mu.Unlock()
}

func (s *statsRecorder) Snapshot() EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	latency := s.window.Snapshot()
	if s.dispatched > 0 {
		latency.AverageNs = s.totalNs / int64(s.dispatched)
	}

	stats := EndpointStats{
		EnvelopesDispatched:  s.dispatched,
		EnvelopesFailed:      s.failed,
		EnvelopesDropped:     s.dropped,
		DuplicatesSuppressed: s.duplicates,
		LastDispatchedAt:     s.lastAt,
		Latency:              latency,
	}
	if s.sampler != nil {
		stats.Resource = s.sampler.Snapshot()
	}
	return stats
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var out LatencyMetrics
	if lw == nil || lw.filled == 0 {
		return out
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	out.LastNs = lw.last

	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.AverageNs = sum / int64(len(samples))
	return out
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// resourceSampler samples coarse CPU/memory usage for stats snapshots. One
// sampler is shared by every endpoint in a mesh.
type resourceSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}},
		numCPU:  float64(goruntime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = sample.Value.Float64()
	}
	now := time.Now()

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}

	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  goruntime.NumGoroutine(),
	}
}
