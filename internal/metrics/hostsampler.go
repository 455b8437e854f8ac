package metrics

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// HostSampler reads host-level CPU, memory, and disk utilization for
// feeding into Aggregator.RecordHostSample, the way the teacher's
// Prometheus process collectors expose host resource gauges. CPU requires
// two successive reads of /proc/stat to compute a delta, so the sampler
// keeps the previous reading between calls.
type HostSampler struct {
	diskPath string

	mu       sync.Mutex
	prevIdle uint64
	prevTot  uint64
}

// NewHostSampler creates a sampler reporting disk usage for the filesystem
// containing diskPath (e.g. "/" or a data directory).
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath}
}

// Sample reads current CPU, memory, and disk utilization as percentages
// (0-100). Any metric that can't be read on the current platform (e.g.
// /proc absent on non-Linux hosts) reports 0 rather than failing the whole
// call, since host sampling is best-effort instrumentation, never a
// correctness dependency.
func (h *HostSampler) Sample() (cpuPercent, memoryPercent, diskPercent float64) {
	cpuPercent = h.sampleCPU()
	memoryPercent = sampleMemory()
	diskPercent = h.sampleDisk()
	return
}

func (h *HostSampler) sampleCPU() float64 {
	idle, total, ok := readProcStat()
	if !ok {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prevIdle, prevTot := h.prevIdle, h.prevTot
	h.prevIdle, h.prevTot = idle, total

	if prevTot == 0 || total <= prevTot {
		return 0
	}

	deltaIdle := float64(idle - prevIdle)
	deltaTotal := float64(total - prevTot)
	if deltaTotal <= 0 {
		return 0
	}
	return (1 - deltaIdle/deltaTotal) * 100
}

// readProcStat parses the aggregate "cpu" line of /proc/stat into an idle
// and a total jiffy count.
func readProcStat() (idle, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}

	var vals []uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		vals = append(vals, v)
		total += v
	}
	// fields: user nice system idle iowait irq softirq [steal ...]
	idle = vals[3]
	if len(vals) > 4 {
		idle += vals[4] // iowait counts as idle
	}
	return idle, total, true
}

// sampleMemory parses MemTotal/MemAvailable from /proc/meminfo.
func sampleMemory() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0
	}
	used := total - available
	return float64(used) / float64(total) * 100
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// sampleDisk reports used-space percentage for the filesystem backing
// diskPath via statfs.
func (h *HostSampler) sampleDisk() float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.diskPath, &stat); err != nil {
		return 0
	}
	if stat.Blocks == 0 {
		return 0
	}
	used := stat.Blocks - stat.Bfree
	return float64(used) / float64(stat.Blocks) * 100
}
