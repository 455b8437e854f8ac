package cache

import (
	"sync"
	"time"
)

// maxDurationSamples bounds the rolling sample of recent operation
// durations retained for latency reporting.
const maxDurationSamples = 1000

// Metrics accumulates per-tier counters and a rolling duration sample. It is
// safe for concurrent use; callers never see a partial update.
type Metrics struct {
	mu sync.Mutex

	hits          [3]int64
	misses        [3]int64
	writes        [3]int64
	invalidations [3]int64
	warmingOps    int64
	warmingErrors int64
	totalOps      int64

	durations []time.Duration
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{durations: make([]time.Duration, 0, maxDurationSamples)}
}

func (m *Metrics) recordHit(t Tier) {
	m.mu.Lock()
	m.hits[t]++
	m.totalOps++
	m.mu.Unlock()
}

func (m *Metrics) recordMiss(t Tier) {
	m.mu.Lock()
	m.misses[t]++
	m.totalOps++
	m.mu.Unlock()
}

func (m *Metrics) recordWrite(t Tier) {
	m.mu.Lock()
	m.writes[t]++
	m.totalOps++
	m.mu.Unlock()
}

func (m *Metrics) recordInvalidation(t Tier, count int) {
	m.mu.Lock()
	m.invalidations[t] += int64(count)
	m.mu.Unlock()
}

func (m *Metrics) recordWarming(ok bool) {
	m.mu.Lock()
	if ok {
		m.warmingOps++
	} else {
		m.warmingErrors++
	}
	m.mu.Unlock()
}

func (m *Metrics) recordDuration(d time.Duration) {
	m.mu.Lock()
	if len(m.durations) >= maxDurationSamples {
		// Drop oldest sample; keep the buffer bounded.
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, d)
	m.mu.Unlock()
}

// Snapshot is the externally-visible metrics shape returned by Manager.Metrics.
type Snapshot struct {
	L1Hits, L1Misses, L1Writes, L1Invalidations int64
	L2Hits, L2Misses, L2Writes, L2Invalidations int64
	L3Hits, L3Misses, L3Writes, L3Invalidations int64
	WarmingOps, WarmingErrors                   int64
	TotalOps                                    int64
	OverallHitRate                              float64
	AvgDurationMs                               float64
}

// Snapshot returns a point-in-time copy of the accumulated metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		L1Hits: m.hits[TierL1], L1Misses: m.misses[TierL1], L1Writes: m.writes[TierL1], L1Invalidations: m.invalidations[TierL1],
		L2Hits: m.hits[TierL2], L2Misses: m.misses[TierL2], L2Writes: m.writes[TierL2], L2Invalidations: m.invalidations[TierL2],
		L3Hits: m.hits[TierL3], L3Misses: m.misses[TierL3], L3Writes: m.writes[TierL3], L3Invalidations: m.invalidations[TierL3],
		WarmingOps: m.warmingOps, WarmingErrors: m.warmingErrors,
		TotalOps: m.totalOps,
	}

	totalHits := s.L1Hits + s.L2Hits + s.L3Hits
	totalMisses := s.L1Misses + s.L2Misses + s.L3Misses
	if denom := totalHits + totalMisses; denom > 0 {
		s.OverallHitRate = float64(totalHits) / float64(denom)
	}

	if len(m.durations) > 0 {
		var sum time.Duration
		for _, d := range m.durations {
			sum += d
		}
		s.AvgDurationMs = float64(sum.Microseconds()) / float64(len(m.durations)) / 1000.0
	}

	return s
}

// Reset clears all counters and samples.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = [3]int64{}
	m.misses = [3]int64{}
	m.writes = [3]int64{}
	m.invalidations = [3]int64{}
	m.warmingOps = 0
	m.warmingErrors = 0
	m.totalOps = 0
	m.durations = m.durations[:0]
}
