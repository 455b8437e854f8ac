// Package health implements the database health monitor (C7):
// a periodic probe that classifies pool health and retains rolling history.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the classification of a single probe.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusCritical  Status = "CRITICAL"
)

// Record is one retained probe outcome.
type Record struct {
	Timestamp           time.Time
	Status              Status
	ResponseTimeMs       float64
	PoolSize             int32
	InvalidConnections   int32
	Error                string
	ConsecutiveFailures  int
}

// Config holds the monitor's classification thresholds.
type Config struct {
	Interval              time.Duration
	MaxResponseTimeMs     float64
	MaxFailedConnections  int32
	HistorySize           int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		MaxResponseTimeMs:    1000,
		MaxFailedConnections: 5,
		HistorySize:          100,
	}
}

// Monitor runs the periodic probe and exposes a rolling history and summary.
type Monitor struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger

	mu                  sync.Mutex
	history             []Record
	consecutiveFailures int

	stop chan struct{}
	once sync.Once
}

// New creates a Monitor over pool.
func New(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{pool: pool, cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Run blocks, probing at cfg.Interval until ctx is cancelled or Stop is
// called. Intended to be launched in its own goroutine from the composition
// root.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Stop halts a running Run loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// probe executes the health-check sequence: open a connection, SELECT 1,
// open a session and SELECT 1 through it, sample pool state.
func (m *Monitor) probe(ctx context.Context) Record {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := Record{Timestamp: start}

	conn, err := m.pool.Acquire(probeCtx)
	if err != nil {
		rec.Status = StatusCritical
		rec.Error = err.Error()
		return m.finalize(rec)
	}
	defer conn.Release()

	if _, err := conn.Exec(probeCtx, "SELECT 1"); err != nil {
		rec.Status = StatusCritical
		rec.Error = err.Error()
		return m.finalize(rec)
	}

	tx, err := m.pool.Begin(probeCtx)
	if err != nil {
		rec.Status = StatusCritical
		rec.Error = err.Error()
		return m.finalize(rec)
	}
	if _, err := tx.Exec(probeCtx, "SELECT 1"); err != nil {
		_ = tx.Rollback(probeCtx)
		rec.Status = StatusCritical
		rec.Error = err.Error()
		return m.finalize(rec)
	}
	_ = tx.Commit(probeCtx)

	stat := m.pool.Stat()
	rec.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	rec.PoolSize = stat.TotalConns()
	rec.InvalidConnections = stat.MaxConns() - stat.TotalConns() - stat.IdleConns()
	if rec.InvalidConnections < 0 {
		rec.InvalidConnections = 0
	}

	switch {
	case rec.ResponseTimeMs < m.cfg.MaxResponseTimeMs && rec.InvalidConnections <= m.cfg.MaxFailedConnections:
		rec.Status = StatusHealthy
	case rec.InvalidConnections > m.cfg.MaxFailedConnections:
		rec.Status = StatusUnhealthy
	default:
		rec.Status = StatusDegraded
	}

	return m.finalize(rec)
}

func (m *Monitor) finalize(rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Status == StatusHealthy {
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
	}
	rec.ConsecutiveFailures = m.consecutiveFailures

	m.history = append(m.history, rec)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	if rec.Status != StatusHealthy && m.logger != nil {
		m.logger.Warn("database: health probe degraded", "status", rec.Status, "error", rec.Error, "consecutive_failures", rec.ConsecutiveFailures)
	}

	return rec
}

// Summary is the aggregate view returned by Monitor.Summary.
type Summary struct {
	LastStatus          Status
	AvgResponseTimeMs   float64
	StatusCounts5Min    map[Status]int
	ConsecutiveFailures int
}

// Summary returns the last status, the average response time over retained
// history, and counts per status over the last 5 minutes.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{StatusCounts5Min: make(map[Status]int), ConsecutiveFailures: m.consecutiveFailures}
	if len(m.history) == 0 {
		return s
	}

	s.LastStatus = m.history[len(m.history)-1].Status

	cutoff := time.Now().Add(-5 * time.Minute)
	var sum float64
	for _, rec := range m.history {
		sum += rec.ResponseTimeMs
		if rec.Timestamp.After(cutoff) {
			s.StatusCounts5Min[rec.Status]++
		}
	}
	s.AvgResponseTimeMs = sum / float64(len(m.history))

	return s
}

// History returns a copy of the retained probe history.
func (m *Monitor) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
