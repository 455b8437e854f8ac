package metrics

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestSnapshotAveragesAndPercentiles(t *testing.T) {
	a := New(nil)
	for _, ms := range []int{10, 20, 30, 40, 50, 100, 200} {
		a.RecordRequest(time.Duration(ms)*time.Millisecond, false)
	}
	snap := a.Snapshot()

	if snap.RequestCount != 7 {
		t.Fatalf("expected 7 requests, got %d", snap.RequestCount)
	}
	if snap.ResponseTimeP99Ms < snap.ResponseTimeAvgMs {
		t.Fatalf("expected p99 >= avg, got p99=%v avg=%v", snap.ResponseTimeP99Ms, snap.ResponseTimeAvgMs)
	}
}

func TestErrorRateAndCacheHitRate(t *testing.T) {
	a := New(nil)
	a.RecordRequest(time.Millisecond, false)
	a.RecordRequest(time.Millisecond, true)
	a.RecordCacheAccess(true)
	a.RecordCacheAccess(true)
	a.RecordCacheAccess(false)

	snap := a.Snapshot()
	if snap.ErrorRatePercent != 50 {
		t.Fatalf("expected 50%% error rate, got %v", snap.ErrorRatePercent)
	}
	want := float64(2) / 3 * 100
	if diff := snap.CacheHitRatePercent - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("expected cache hit rate %v, got %v", want, snap.CacheHitRatePercent)
	}
}

func TestAlertFiresAndResolves(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	am := NewAlertManager([]Rule{
		{ID: "low_cache_hit_rate", Metric: "cache_hit_rate_percent", Comparator: CmpLT, Threshold: 70, Severity: SeverityMedium, Message: "low hit rate"},
	}, logger)

	firing := am.Evaluate(Snapshot{CacheHitRatePercent: 40}, nil)
	if len(firing) != 1 || !firing[0].Firing {
		t.Fatalf("expected alert to fire, got %#v", firing)
	}

	// Re-evaluating the same condition should not re-fire.
	again := am.Evaluate(Snapshot{CacheHitRatePercent: 35}, nil)
	if len(again) != 0 {
		t.Fatalf("expected no transition while still firing, got %#v", again)
	}

	resolved := am.Evaluate(Snapshot{CacheHitRatePercent: 90}, nil)
	if len(resolved) != 1 || resolved[0].Firing {
		t.Fatalf("expected alert to resolve, got %#v", resolved)
	}
}

type captureNotifier struct {
	alerts []Alert
}

func (c *captureNotifier) Notify(a Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func TestRecordHostSampleAndSnapshot(t *testing.T) {
	a := New(nil)
	a.RecordHostSample(20, 40, 60)
	a.RecordHostSample(40, 60, 80)

	snap := a.Snapshot()
	if snap.CPUPercentAvg != 30 {
		t.Fatalf("expected cpu avg 30, got %v", snap.CPUPercentAvg)
	}
	if snap.MemoryPercentAvg != 50 {
		t.Fatalf("expected memory avg 50, got %v", snap.MemoryPercentAvg)
	}
	if snap.DiskPercentAvg != 70 {
		t.Fatalf("expected disk avg 70, got %v", snap.DiskPercentAvg)
	}
}

func TestHostPercentAlertsFireOnThreshold(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	am := NewAlertManager(DefaultRules(), logger)

	// A healthy cache hit rate keeps the default low_cache_hit_rate rule,
	// which holds on a zero-valued rate, out of this host-only check.
	firing := am.Evaluate(Snapshot{CPUPercentAvg: 95, MemoryPercentAvg: 90, CacheHitRatePercent: 100}, nil)
	if len(firing) != 2 {
		t.Fatalf("expected high_cpu and high_memory to fire, got %#v", firing)
	}

	ids := map[string]bool{}
	for _, a := range firing {
		ids[a.Rule.ID] = true
	}
	if !ids["high_cpu"] || !ids["high_memory"] {
		t.Fatalf("expected high_cpu and high_memory alert ids, got %#v", ids)
	}

	resolved := am.Evaluate(Snapshot{CPUPercentAvg: 10, MemoryPercentAvg: 10, CacheHitRatePercent: 100}, nil)
	if len(resolved) != 2 {
		t.Fatalf("expected both alerts to resolve, got %#v", resolved)
	}
}

func TestDiskPercentAlertRequiresExplicitRule(t *testing.T) {
	// disk_percent has no DefaultRules entry; wiring it in ad hoc confirms
	// metricValue reads Snapshot.DiskPercentAvg rather than falling through
	// to the dead hostGauges path.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	am := NewAlertManager([]Rule{
		{ID: "high_disk", Metric: "disk_percent", Comparator: CmpGT, Threshold: 90, Severity: SeverityHigh, Message: "disk usage above 90%"},
	}, logger)

	firing := am.Evaluate(Snapshot{DiskPercentAvg: 95}, nil)
	if len(firing) != 1 || !firing[0].Firing {
		t.Fatalf("expected high_disk to fire, got %#v", firing)
	}
}

func TestAlertManagerDispatchesToNotifiers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	am := NewAlertManager(DefaultRules(), logger)
	cap := &captureNotifier{}
	am.RegisterNotifier(cap)

	am.Evaluate(Snapshot{ErrorRatePercent: 10, CacheHitRatePercent: 100}, nil)

	if len(cap.alerts) != 1 {
		t.Fatalf("expected 1 dispatched alert, got %d", len(cap.alerts))
	}
	if cap.alerts[0].Rule.ID != "high_error_rate" {
		t.Fatalf("expected high_error_rate alert, got %s", cap.alerts[0].Rule.ID)
	}
}
