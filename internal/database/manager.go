// Package database implements the consolidated database manager (C6):
// pool lifecycle, scoped sessions with commit/rollback guarantees,
// cached query execution routed through the query-result cache, slow-query
// accounting, and pool health/auto-tune reporting.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jewgo-app/core-platform/internal/cache/querycache"
	"github.com/jewgo-app/core-platform/pkg/apierr"
)

// Statement classifies a SQL statement's shape for caching and metrics.
type Statement string

const (
	StatementSelect Statement = "SELECT"
	StatementInsert Statement = "INSERT"
	StatementUpdate Statement = "UPDATE"
	StatementDelete Statement = "DELETE"
	StatementOther  Statement = "OTHER"
)

// Classify returns the Statement kind of sql. EXPLAIN and statements
// containing multiple top-level commands (separated by ';' with trailing
// non-whitespace) always classify as OTHER and bypass caching, since their
// result shape or side effects are not safely cacheable.
func Classify(sql string) Statement {
	trimmed := strings.TrimSpace(sql)
	if isMultiStatement(trimmed) {
		return StatementOther
	}

	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "EXPLAIN"):
		return StatementOther
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "WITH"):
		return StatementSelect
	case strings.HasPrefix(upper, "INSERT"):
		return StatementInsert
	case strings.HasPrefix(upper, "UPDATE"):
		return StatementUpdate
	case strings.HasPrefix(upper, "DELETE"):
		return StatementDelete
	default:
		return StatementOther
	}
}

// isMultiStatement reports whether sql contains more than one top-level
// statement, naively splitting on ';' outside of single-quoted strings.
func isMultiStatement(sql string) bool {
	inString := false
	count := 0
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				rest := strings.TrimSpace(sql[i+1:])
				if rest != "" {
					count++
				}
			}
		}
	}
	return count > 0
}

// Record is a single row normalized to a string-keyed map.
type Record map[string]any

// Result is the normalized outcome of execute_query.
type Result struct {
	Records      []Record
	RowsAffected int64
	Cached       bool
}

// PoolConfig mirrors the pool defaults.
type PoolConfig struct {
	PoolSize         int
	MaxOverflow      int
	PoolTimeout      time.Duration
	PoolRecycle      time.Duration
	PrePing          bool
	StatementTimeout time.Duration
	ConnectTimeout   time.Duration
	IdleInTxTimeout  time.Duration
	SlowQueryThresh  time.Duration
}

// DefaultPoolConfig returns the defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PoolSize:         10,
		MaxOverflow:      20,
		PoolTimeout:      30 * time.Second,
		PoolRecycle:      time.Hour,
		PrePing:          true,
		StatementTimeout: 60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		IdleInTxTimeout:  5 * time.Minute,
		SlowQueryThresh:  time.Second,
	}
}

// aggregator is the subset of *metrics.Aggregator the manager reports query
// timings to. Kept as an interface so internal/database never imports
// internal/metrics directly.
type aggregator interface {
	RecordDBQuery(duration time.Duration, slow bool)
}

// Manager is the consolidated database manager (C6).
type Manager struct {
	pool   *pgxpool.Pool
	qc     *querycache.Cache
	logger *slog.Logger
	cfg    PoolConfig
	agg    aggregator

	slowQueries    int64
	failedQueries  int64
	totalQueries   int64
	connectEvents  int64
	checkoutEvents int64
	checkinEvents  int64
	invalidations  int64
}

// New creates a Manager over an already-established pool.
func New(pool *pgxpool.Pool, qc *querycache.Cache, logger *slog.Logger, cfg PoolConfig) *Manager {
	return &Manager{pool: pool, qc: qc, logger: logger, cfg: cfg}
}

// SetAggregator wires a query-timing reporter, used by the metrics
// aggregator (C8) to derive DBQueryTimeAvgMs and SlowQueryCount.
func (m *Manager) SetAggregator(a aggregator) {
	m.agg = a
}

// IsConnected reports whether the underlying pool can still serve a ping.
func (m *Manager) IsConnected(ctx context.Context) bool {
	return m.pool.Ping(ctx) == nil
}

// Disconnect closes the pool. Safe to call once during shutdown.
func (m *Manager) Disconnect() {
	m.pool.Close()
}

// Session is a scoped transactional handle returned by SessionScope.
type Session struct {
	tx pgx.Tx
}

// SessionScope acquires a transaction and invokes fn with a Session bound to
// it. On a clean return the transaction commits; on any error (including a
// panic, which is recovered and re-raised after rollback) it rolls back.
func (m *Manager) SessionScope(ctx context.Context, fn func(ctx context.Context, s *Session) error) (err error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		atomic.AddInt64(&m.connectEvents, 1)
		return apierr.Wrap(apierr.KindServiceUnavailable, "beginning transaction", err)
	}
	atomic.AddInt64(&m.checkoutEvents, 1)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			atomic.AddInt64(&m.checkinEvents, 1)
			panic(p)
		}
	}()

	s := &Session{tx: tx}
	if err = fn(ctx, s); err != nil {
		_ = tx.Rollback(ctx)
		atomic.AddInt64(&m.checkinEvents, 1)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		atomic.AddInt64(&m.checkinEvents, 1)
		return apierr.Wrap(apierr.KindServiceUnavailable, "committing transaction", err)
	}
	atomic.AddInt64(&m.checkinEvents, 1)
	return nil
}

// ExecuteQuery runs the execute_query pipeline: classify, probe the
// query-result cache for cacheable SELECTs, execute on miss, normalize,
// populate the cache, and account for slow queries and failures.
func (m *Manager) ExecuteQuery(ctx context.Context, sql string, params map[string]any, useCache bool, cacheTTL time.Duration) (*Result, error) {
	stmt := Classify(sql)
	atomic.AddInt64(&m.totalQueries, 1)

	if useCache && stmt == StatementSelect && m.qc != nil {
		var cached Result
		if m.qc.GetInto(ctx, sql, params, &cached) {
			cached.Cached = true
			return &cached, nil
		}
	}

	start := time.Now()
	rows, err := m.pool.Query(ctx, sql, namedArgsToPositional(sql, params)...)
	if err != nil {
		return nil, m.classifyAndRecordFailure(sql, err)
	}
	defer rows.Close()

	records, err := normalizeRows(rows)
	if err != nil {
		atomic.AddInt64(&m.failedQueries, 1)
		return nil, apierr.Wrap(apierr.KindInternal, "normalizing query result", err)
	}
	rowsAffected := rows.CommandTag().RowsAffected()

	duration := time.Since(start)
	slow := duration > m.cfg.SlowQueryThresh
	if slow {
		atomic.AddInt64(&m.slowQueries, 1)
		if m.logger != nil {
			m.logger.Warn("database: slow query", "duration_ms", duration.Milliseconds(), "statement", stmt)
		}
	}
	if m.agg != nil {
		m.agg.RecordDBQuery(duration, slow)
	}

	result := &Result{Records: records, RowsAffected: rowsAffected}

	if useCache && stmt == StatementSelect && m.qc != nil {
		m.qc.Set(ctx, sql, params, result, cacheTTL)
		m.qc.RecordQueryDuration(string(stmt), duration)
	}

	return result, nil
}

// namedArgsToPositional is a placeholder passthrough: callers are expected
// to supply already-positional ($1, $2, ...) SQL with params values in
// order under numeric-string keys ("1", "2", ...). This mirrors the
// teacher's convention of preparing statements ahead of execution rather
// than doing named-parameter rewriting in the pool layer.
func namedArgsToPositional(_ string, params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	args := make([]any, len(params))
	for k, v := range params {
		idx := 0
		fmt.Sscanf(k, "%d", &idx)
		if idx >= 1 && idx <= len(args) {
			args[idx-1] = v
		}
	}
	return args
}

func normalizeRows(rows pgx.Rows) ([]Record, error) {
	fields := rows.FieldDescriptions()
	var out []Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(fields))
		for i, f := range fields {
			rec[string(f.Name)] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// classifyAndRecordFailure distinguishes transient infrastructure failures
// (connection reset, serialization failure, deadlock) from permanent ones
// (constraint violation, syntax error), recording a failed-query counter
// either way.
func (m *Manager) classifyAndRecordFailure(sql string, err error) error {
	atomic.AddInt64(&m.failedQueries, 1)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if isTransientPgCode(pgErr.Code) {
			return apierr.Wrap(apierr.KindServiceUnavailable, "transient database error", err)
		}
		if pgErr.Code == "23505" || strings.HasPrefix(pgErr.Code, "23") {
			return apierr.Wrap(apierr.KindConflict, "constraint violation", err)
		}
	}
	return apierr.Wrap(apierr.KindInternal, "query execution failed", err)
}

// isTransientPgCode reports whether code is one of the Postgres error
// classes considered safe to retry: connection exception, serialization
// failure, and deadlock detected.
func isTransientPgCode(code string) bool {
	switch code {
	case "08000", "08003", "08006", "08001", "08004", "40001", "40P01":
		return true
	default:
		return false
	}
}

// HealthSnapshot is the shape returned by HealthCheck.
type HealthSnapshot struct {
	Connected    bool
	PoolSize     int32
	IdleConns    int32
	AcquiredConn int32
	MaxConns     int32
}

// HealthCheck samples the pool's live state.
func (m *Manager) HealthCheck(ctx context.Context) HealthSnapshot {
	stat := m.pool.Stat()
	return HealthSnapshot{
		Connected:    m.IsConnected(ctx),
		PoolSize:     stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
		AcquiredConn: stat.AcquiredConns(),
		MaxConns:     stat.MaxConns(),
	}
}

// PerformanceMetrics is the shape returned by PerformanceMetrics.
type PerformanceMetrics struct {
	TotalQueries   int64
	SlowQueries    int64
	FailedQueries  int64
	ConnectEvents  int64
	CheckoutEvents int64
	CheckinEvents  int64
	Invalidations  int64
}

// PerformanceMetrics returns accumulated query/pool counters.
func (m *Manager) PerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{
		TotalQueries:   atomic.LoadInt64(&m.totalQueries),
		SlowQueries:    atomic.LoadInt64(&m.slowQueries),
		FailedQueries:  atomic.LoadInt64(&m.failedQueries),
		ConnectEvents:  atomic.LoadInt64(&m.connectEvents),
		CheckoutEvents: atomic.LoadInt64(&m.checkoutEvents),
		CheckinEvents:  atomic.LoadInt64(&m.checkinEvents),
		Invalidations:  atomic.LoadInt64(&m.invalidations),
	}
}

// InvalidateCache deletes query-cache entries matching pattern from the
// supplied key set (the caller is expected to track key↔table associations;
// see querycache.Cache.InvalidatePattern).
func (m *Manager) InvalidateCache(ctx context.Context, pattern string, knownKeys []string) int {
	if m.qc == nil {
		return 0
	}
	n := m.qc.InvalidatePattern(ctx, pattern, knownKeys)
	atomic.AddInt64(&m.invalidations, int64(n))
	return n
}

// TuneRecommendation is a non-binding suggestion from OptimizeConnectionPool.
type TuneRecommendation struct {
	SuggestedPoolSize int
	Reason            string
}

// OptimizeConnectionPool inspects recent pool saturation and recommends a
// new pool size. It never mutates the live pool: resizing a pgxpool
// requires a restart, so this is surfaced to operators, not auto-applied.
func (m *Manager) OptimizeConnectionPool() *TuneRecommendation {
	stat := m.pool.Stat()
	total := stat.TotalConns()
	if total == 0 {
		return nil
	}
	saturation := float64(stat.AcquiredConns()) / float64(stat.MaxConns())
	switch {
	case saturation > 0.9:
		return &TuneRecommendation{
			SuggestedPoolSize: int(float64(stat.MaxConns()) * 1.5),
			Reason:            "pool utilization above 90%; consider increasing pool_size/max_overflow",
		}
	case saturation < 0.1 && stat.MaxConns() > 10:
		return &TuneRecommendation{
			SuggestedPoolSize: int(stat.MaxConns()) / 2,
			Reason:            "pool utilization below 10%; pool_size/max_overflow may be oversized",
		}
	default:
		return nil
	}
}
