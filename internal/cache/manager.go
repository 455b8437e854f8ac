package cache

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/jewgo-app/core-platform/internal/cache/l1"
)

// aggregator is the subset of *metrics.Aggregator the manager reports
// overall cache-access outcomes to. Kept as an interface so internal/cache
// never imports internal/metrics directly.
type aggregator interface {
	RecordCacheAccess(hit bool)
}

// WarmFunc is a registered warming strategy: a callable that
// pre-populates the caches in bulk given caller-supplied arguments.
type WarmFunc func(ctx context.Context, args map[string]any) error

// warmEntry pairs a registered warming function with its optional
// scheduled-run interval. interval == 0 means eager-only: the strategy only
// ever runs via an explicit WarmCache call.
type warmEntry struct {
	fn       WarmFunc
	interval time.Duration
}

// l2Tier is the subset of redisclient.Client the manager depends on. Kept as
// an interface so tests can substitute a fake without a live Redis.
type l2Tier interface {
	Get(ctx context.Context, key string) (any, bool)
	GetInto(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool
	Delete(ctx context.Context, key string) bool
	InvalidateByTags(ctx context.Context, tags []string) int
	Clear(ctx context.Context)
}

// l3Tier is the subset of l3.Store the manager depends on.
type l3Tier interface {
	Get(ctx context.Context, key string) (any, bool)
	GetInto(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool
	Delete(ctx context.Context, key string) bool
	InvalidateByTags(ctx context.Context, tags []string) int
	CleanupExpired(ctx context.Context) int
	Clear(ctx context.Context)
}

// Manager is the multi-tier cache manager (C4): read-through/write-through
// orchestration across L1 (in-process LRU), L2 (Redis), and L3 (durable KV),
// with tag invalidation fanout and metrics.
type Manager struct {
	l1 *l1.Cache
	l2 l2Tier
	l3 l3Tier

	metrics *Metrics
	logger  *slog.Logger
	agg     aggregator

	warmMu    sync.RWMutex
	warmFuncs map[string]warmEntry
}

// SetAggregator wires an overall-hit-rate reporter, used by the metrics
// aggregator (C8) to derive CacheHitRatePercent across all three tiers.
func (m *Manager) SetAggregator(a aggregator) {
	m.agg = a
}

// New creates a Manager composed from the three tiers.
func New(l1Cache *l1.Cache, l2Client l2Tier, l3Store l3Tier, logger *slog.Logger) *Manager {
	return &Manager{
		l1:        l1Cache,
		l2:        l2Client,
		l3:        l3Store,
		metrics:   NewMetrics(),
		logger:    logger,
		warmFuncs: make(map[string]warmEntry),
	}
}

// Get performs the read-through algorithm: probe L1, then L2
// (repopulating L1 on hit), then L3 (repopulating L1 and L2 on hit). Returns
// def if no tier has the key.
func (m *Manager) Get(ctx context.Context, key string, def any) any {
	start := time.Now()
	defer func() { m.metrics.recordDuration(time.Since(start)) }()

	if v, ok := m.l1.Get(key); ok {
		m.metrics.recordHit(TierL1)
		m.recordOverall(true)
		return v
	}
	m.metrics.recordMiss(TierL1)

	if v, ok := m.l2.Get(ctx, key); ok {
		m.metrics.recordHit(TierL2)
		m.l1.Set(key, v, DefaultL1TTL, nil)
		m.recordOverall(true)
		return v
	}
	m.metrics.recordMiss(TierL2)

	if v, ok := m.l3.Get(ctx, key); ok {
		m.metrics.recordHit(TierL3)
		m.l1.Set(key, v, DefaultL1TTL, nil)
		m.l2.Set(ctx, key, v, DefaultL2TTL, nil)
		m.recordOverall(true)
		return v
	}
	m.metrics.recordMiss(TierL3)

	m.recordOverall(false)
	return def
}

func (m *Manager) recordOverall(hit bool) {
	if m.agg != nil {
		m.agg.RecordCacheAccess(hit)
	}
}

// GetInto performs the same read-through chain as Get, but decodes an L2/L3
// hit directly into dst instead of through the generic any Get returns.
// That distinction matters for any caller storing a struct: msgpack's
// generic decode turns a struct back into a map[string]any, not the
// original type, so a type assertion against an L2/L3 hit silently fails
// and looks like a miss. dst must be a non-nil pointer to the same type
// that was passed to Set.
func (m *Manager) GetInto(ctx context.Context, key string, dst any) bool {
	start := time.Now()
	defer func() { m.metrics.recordDuration(time.Since(start)) }()

	if v, ok := m.l1.Get(key); ok && assignInto(v, dst) {
		m.metrics.recordHit(TierL1)
		m.recordOverall(true)
		return true
	}
	m.metrics.recordMiss(TierL1)

	if m.l2.GetInto(ctx, key, dst) {
		m.metrics.recordHit(TierL2)
		m.l1.Set(key, dst, DefaultL1TTL, nil)
		m.recordOverall(true)
		return true
	}
	m.metrics.recordMiss(TierL2)

	if m.l3.GetInto(ctx, key, dst) {
		m.metrics.recordHit(TierL3)
		m.l1.Set(key, dst, DefaultL1TTL, nil)
		m.l2.Set(ctx, key, dst, DefaultL2TTL, nil)
		m.recordOverall(true)
		return true
	}
	m.metrics.recordMiss(TierL3)

	m.recordOverall(false)
	return false
}

// assignInto copies v's pointed-to value into dst when their types line up.
// Used to serve an L1 hit from GetInto: L1 never serializes, so it still
// holds the exact pointer a caller passed to Set, and that value just needs
// copying into the caller's fresh dst rather than decoding.
func assignInto(v any, dst any) bool {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Ptr || dstVal.IsNil() {
		return false
	}
	srcVal := reflect.ValueOf(v)
	if !srcVal.IsValid() {
		return false
	}
	if srcVal.Type() == dstVal.Type() {
		if srcVal.IsNil() {
			return false
		}
		dstVal.Elem().Set(srcVal.Elem())
		return true
	}
	if srcVal.Type().AssignableTo(dstVal.Elem().Type()) {
		dstVal.Elem().Set(srcVal)
		return true
	}
	return false
}

// Set performs the write-through algorithm: writes all three
// tiers, using per-tier default TTLs unless ttl overrides all of them.
// Success is the AND of all three tiers.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool {
	l1TTL, l2TTL, l3TTL := DefaultL1TTL, DefaultL2TTL, DefaultL3TTL
	if ttl > 0 {
		l1TTL, l2TTL, l3TTL = ttl, ttl, ttl
	}

	ok1 := m.l1.Set(key, value, l1TTL, tags)
	m.metrics.recordWrite(TierL1)

	ok2 := m.l2.Set(ctx, key, value, l2TTL, tags)
	m.metrics.recordWrite(TierL2)

	ok3 := m.l3.Set(ctx, key, value, l3TTL, tags)
	m.metrics.recordWrite(TierL3)

	return ok1 && ok2 && ok3
}

// Delete removes key from all three tiers. Returns true if any tier held it.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	d1 := m.l1.Delete(key)
	d2 := m.l2.Delete(ctx, key)
	d3 := m.l3.Delete(ctx, key)
	return d1 || d2 || d3
}

// InvalidateByTags fans out to all three tiers and returns the per-tier
// deletion counts. Best-effort: a failure in one tier never prevents the
// others from running.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) TierCounts {
	n1 := m.l1.InvalidateByTags(tags)
	m.metrics.recordInvalidation(TierL1, n1)

	n2 := m.l2.InvalidateByTags(ctx, tags)
	m.metrics.recordInvalidation(TierL2, n2)

	n3 := m.l3.InvalidateByTags(ctx, tags)
	m.metrics.recordInvalidation(TierL3, n3)

	return TierCounts{L1: n1, L2: n2, L3: n3}
}

// RegisterWarmingStrategy registers a named warming function, in either of
// the two modes the original cache manager supports: eager (interval == 0,
// only ever invoked by an explicit WarmCache call) or scheduled (interval >
// 0, additionally run on that cadence once RunScheduledWarming starts).
func (m *Manager) RegisterWarmingStrategy(name string, fn WarmFunc, interval time.Duration) {
	m.warmMu.Lock()
	defer m.warmMu.Unlock()
	m.warmFuncs[name] = warmEntry{fn: fn, interval: interval}
}

// WarmCache invokes a previously registered warming strategy. Failures are
// logged and counted, never propagated to the caller as a panic.
func (m *Manager) WarmCache(ctx context.Context, strategy string, args map[string]any) error {
	m.warmMu.RLock()
	entry, ok := m.warmFuncs[strategy]
	m.warmMu.RUnlock()

	if !ok {
		m.metrics.recordWarming(false)
		return &unknownStrategyError{strategy: strategy}
	}

	if err := entry.fn(ctx, args); err != nil {
		m.metrics.recordWarming(false)
		m.logger.Error("cache: warming strategy failed", "strategy", strategy, "error", err)
		return err
	}

	m.metrics.recordWarming(true)
	return nil
}

// RunScheduledWarming launches one ticker goroutine per registered strategy
// whose interval is non-zero, calling WarmCache with nil args on every tick
// until ctx is cancelled. It blocks until ctx is done, so the composition
// root starts it in its own goroutine alongside the other periodic loops.
// Strategies must be registered before this is called; it snapshots the
// scheduled set once at startup.
func (m *Manager) RunScheduledWarming(ctx context.Context) {
	m.warmMu.RLock()
	scheduled := make(map[string]time.Duration)
	for name, entry := range m.warmFuncs {
		if entry.interval > 0 {
			scheduled[name] = entry.interval
		}
	}
	m.warmMu.RUnlock()

	var wg sync.WaitGroup
	for name, interval := range scheduled {
		wg.Add(1)
		go func(name string, interval time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := m.WarmCache(ctx, name, nil); err != nil {
						m.logger.Error("cache: scheduled warming failed", "strategy", name, "error", err)
					}
				}
			}
		}(name, interval)
	}
	wg.Wait()
}

type unknownStrategyError struct{ strategy string }

func (e *unknownStrategyError) Error() string {
	return "cache: unknown warming strategy: " + e.strategy
}

// Metrics returns a snapshot of accumulated cache metrics.
func (m *Manager) Metrics() Snapshot {
	return m.metrics.Snapshot()
}

// ResetMetrics clears all accumulated metrics.
func (m *Manager) ResetMetrics() {
	m.metrics.Reset()
}

// CleanupExpired purges expired L3 rows (L1/L2 expire lazily on access or
// via Redis TTL) and returns the number removed from L3.
func (m *Manager) CleanupExpired(ctx context.Context) TierCounts {
	return TierCounts{L3: m.l3.CleanupExpired(ctx)}
}

// ClearAll empties every tier. Intended for tests whose scenarios start
// from "clear all tiers".
func (m *Manager) ClearAll(ctx context.Context) {
	m.l1.Clear()
	m.l2.Clear(ctx)
	m.l3.Clear(ctx)
}

// ClearL1 empties only the in-process tier, used to force an L2/L3 read in
// tests that exercise the read-through chain explicitly.
func (m *Manager) ClearL1() {
	m.l1.Clear()
}

// ClearL1L2 empties L1 and L2, forcing the next Get to read from L3.
func (m *Manager) ClearL1L2(ctx context.Context) {
	m.l1.Clear()
	m.l2.Clear(ctx)
}
