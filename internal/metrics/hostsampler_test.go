package metrics

import "testing"

// TestHostSamplerReadsRealHost exercises Sample against the actual /proc
// files and statfs of whatever host runs the test. It asserts only the
// invariants that hold regardless of the host's real load: percentages stay
// in [0, 100], and memory/disk (which need no delta, unlike CPU) are
// non-zero on any real Linux filesystem.
func TestHostSamplerReadsRealHost(t *testing.T) {
	h := NewHostSampler("/")

	cpu, mem, disk := h.Sample()
	assertPercentRange(t, "cpu", cpu)
	assertPercentRange(t, "memory", mem)
	assertPercentRange(t, "disk", disk)

	if mem == 0 {
		t.Fatalf("expected nonzero memory utilization on a real host")
	}
	if disk == 0 {
		t.Fatalf("expected nonzero disk utilization on a real host")
	}

	// A second sample gives sampleCPU a delta to compute against.
	cpu2, _, _ := h.Sample()
	assertPercentRange(t, "cpu (second sample)", cpu2)
}

func assertPercentRange(t *testing.T, name string, v float64) {
	t.Helper()
	if v < 0 || v > 100 {
		t.Fatalf("%s percent out of range: %v", name, v)
	}
}

func TestHostSamplerUnreadableDiskPathReportsZero(t *testing.T) {
	h := NewHostSampler("/no/such/path/should/exist")
	_, _, disk := h.Sample()
	if disk != 0 {
		t.Fatalf("expected 0 disk percent for unreadable path, got %v", disk)
	}
}

func TestNewHostSamplerDefaultsEmptyPath(t *testing.T) {
	h := NewHostSampler("")
	if h.diskPath != "/" {
		t.Fatalf("expected default disk path \"/\", got %q", h.diskPath)
	}
}
