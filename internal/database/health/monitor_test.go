package health

import (
	"testing"
	"time"
)

func TestFinalizeTracksConsecutiveFailuresAndHistory(t *testing.T) {
	m := &Monitor{cfg: Config{HistorySize: 3}, stop: make(chan struct{})}

	m.finalize(Record{Timestamp: time.Now(), Status: StatusHealthy})
	if m.consecutiveFailures != 0 {
		t.Fatalf("expected 0 consecutive failures after healthy probe")
	}

	m.finalize(Record{Timestamp: time.Now(), Status: StatusUnhealthy})
	m.finalize(Record{Timestamp: time.Now(), Status: StatusCritical})
	if m.consecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", m.consecutiveFailures)
	}

	m.finalize(Record{Timestamp: time.Now(), Status: StatusHealthy})
	if m.consecutiveFailures != 0 {
		t.Fatalf("expected reset to 0 on healthy probe")
	}

	// HistorySize=3, 4 probes recorded, oldest should have been trimmed.
	if len(m.history) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(m.history))
	}
}

func TestSummaryComputesAverageAndCounts(t *testing.T) {
	m := &Monitor{cfg: Config{HistorySize: 10}, stop: make(chan struct{})}

	m.finalize(Record{Timestamp: time.Now(), Status: StatusHealthy, ResponseTimeMs: 10})
	m.finalize(Record{Timestamp: time.Now(), Status: StatusHealthy, ResponseTimeMs: 20})
	m.finalize(Record{Timestamp: time.Now(), Status: StatusDegraded, ResponseTimeMs: 1500})

	summary := m.Summary()
	if summary.LastStatus != StatusDegraded {
		t.Fatalf("expected last status DEGRADED, got %v", summary.LastStatus)
	}
	want := (10.0 + 20.0 + 1500.0) / 3.0
	if summary.AvgResponseTimeMs != want {
		t.Fatalf("expected avg %v, got %v", want, summary.AvgResponseTimeMs)
	}
	if summary.StatusCounts5Min[StatusHealthy] != 2 {
		t.Fatalf("expected 2 healthy in last 5 minutes, got %d", summary.StatusCounts5Min[StatusHealthy])
	}
}
