// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "requests"

// RequestStoreConfig controls the Postgres connection pool used for request rows.
type RequestStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RequestStore keeps the request queue in a single Postgres table.
type RequestStore struct {
	pool  pool
	table string
}

var _ runner.Store = (*RequestStore)(nil)

// NewRequestStore creates a Postgres-backed RequestStore using the provided config.
func NewRequestStore(ctx context.Context, cfg RequestStoreConfig) (*RequestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RequestStore{pool: p, table: table}, nil
}

// NewRequestStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRequestStoreWithPool(p pool, table string) (*RequestStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RequestStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RequestStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *RequestStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", runner.ErrStorage, err)
	}
	return nil
}

// EnsureSchema creates the request table and its indexes when missing.
// processing_time is stored in milliseconds.
func (s *RequestStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	url             TEXT NOT NULL,
	hostname        TEXT NOT NULL,
	tool            TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 1 CHECK (priority >= 1),
	received_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ NULL,
	processed_by    TEXT NULL,
	completed_at    TIMESTAMPTZ NULL,
	processing_time BIGINT NULL
)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_open_url_tool_idx
	ON %[1]s (url, tool) WHERE completed_at IS NULL`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_open_order_idx
	ON %[1]s (priority DESC, received_at ASC) WHERE completed_at IS NULL`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_completed_tool_idx
	ON %[1]s (tool, priority) WHERE completed_at IS NOT NULL`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %w", runner.ErrStorage, err)
		}
	}
	return nil
}

// Insert adds a request, or raises the priority of the matching open row.
// xmax is zero only for freshly inserted tuples.
func (s *RequestStore) Insert(ctx context.Context, req runner.NewRequest) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, hostname, tool, priority, received_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url, tool) WHERE completed_at IS NULL
DO UPDATE SET priority = GREATEST(%[1]s.priority, EXCLUDED.priority)
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	err := s.pool.QueryRow(ctx, query, req.URL, req.Hostname, req.Tool, req.Priority, req.ReceivedAt).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("%w: insert request: %w", runner.ErrStorage, err)
	}
	return inserted, nil
}

// MarkAsProcessing tags a row as claimed regardless of its current state.
func (s *RequestStore) MarkAsProcessing(ctx context.Context, id int64, worker runner.WorkerID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET processed_at = $1, processed_by = $2 WHERE id = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query, at, string(worker), id); err != nil {
		return fmt.Errorf("%w: mark as processing: %w", runner.ErrStorage, err)
	}
	return nil
}

// Claim tags a row as claimed if it is still open and unclaimed or stale.
func (s *RequestStore) Claim(
	ctx context.Context,
	id int64,
	worker runner.WorkerID,
	at, staleBefore time.Time,
) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET processed_at = $1, processed_by = $2
WHERE id = $3
	AND completed_at IS NULL
	AND (processed_at IS NULL OR processed_at < $4)`, s.table)
	tag, err := s.pool.Exec(ctx, query, at, string(worker), id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("%w: claim request: %w", runner.ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAsCompleted closes the open row for (url, tool).
func (s *RequestStore) MarkAsCompleted(
	ctx context.Context,
	url, tool string,
	at time.Time,
	processingTime *time.Duration,
) (bool, error) {
	var millis *int64
	if processingTime != nil {
		ms := processingTime.Milliseconds()
		millis = &ms
	}
	query := fmt.Sprintf(`
UPDATE %s SET completed_at = $1, processing_time = $2
WHERE url = $3 AND tool = $4 AND completed_at IS NULL`, s.table)
	tag, err := s.pool.Exec(ctx, query, at, millis, url, tool)
	if err != nil {
		return false, fmt.Errorf("%w: mark as completed: %w", runner.ErrStorage, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountClaimable counts open rows a worker could claim right now, ignoring hostname caps.
func (s *RequestStore) CountClaimable(ctx context.Context, staleBefore time.Time) (int, error) {
	query := fmt.Sprintf(`
SELECT COUNT(*) FROM %s
WHERE completed_at IS NULL AND (processed_at IS NULL OR processed_at < $1)`, s.table)
	return s.count(ctx, "count claimable", query, staleBefore)
}

// NonAssignedCount counts open rows never claimed.
func (s *RequestStore) NonAssignedCount(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_at IS NULL AND completed_at IS NULL`, s.table)
	return s.count(ctx, "count non-assigned", query)
}

// PendingCount counts claimed rows that have not completed.
func (s *RequestStore) PendingCount(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_at IS NOT NULL AND completed_at IS NULL`, s.table)
	return s.count(ctx, "count pending", query)
}

func (s *RequestStore) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", runner.ErrStorage, op, err)
	}
	return int(n), nil
}

const requestColumns = `id, url, hostname, tool, priority, received_at,
	processed_at, processed_by, completed_at, processing_time`

// Open returns every non-completed row ordered the way the scheduler ranks them.
func (s *RequestStore) Open(ctx context.Context) ([]runner.Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE completed_at IS NULL
ORDER BY priority DESC, received_at ASC, id ASC`, requestColumns, s.table)
	return s.list(ctx, "list open", query)
}

// MatchingURLPrefix returns open rows whose url starts with prefix.
func (s *RequestStore) MatchingURLPrefix(ctx context.Context, prefix string) ([]runner.Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE completed_at IS NULL AND starts_with(url, $1)
ORDER BY received_at ASC, id ASC`, requestColumns, s.table)
	return s.list(ctx, "list by url prefix", query, prefix)
}

func (s *RequestStore) list(ctx context.Context, op, query string, args ...any) ([]runner.Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", runner.ErrStorage, op, err)
	}
	defer rows.Close()

	out := make([]runner.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", runner.ErrStorage, op, err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", runner.ErrStorage, op, err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (runner.Request, error) {
	var (
		req         runner.Request
		processedBy *string
		millis      *int64
	)
	err := row.Scan(
		&req.ID,
		&req.URL,
		&req.Hostname,
		&req.Tool,
		&req.Priority,
		&req.ReceivedAt,
		&req.ProcessedAt,
		&processedBy,
		&req.CompletedAt,
		&millis,
	)
	if err != nil {
		return runner.Request{}, err
	}
	if processedBy != nil {
		req.ProcessedBy = runner.WorkerID(*processedBy)
	}
	if millis != nil {
		d := time.Duration(*millis) * time.Millisecond
		req.ProcessingTime = &d
	}
	return req, nil
}

// AverageProcessingTimes aggregates completed rows per tool and priority tier.
// Processing averages only count rows with a recorded processing_time, so
// failed requests weigh on completion latency alone.
func (s *RequestStore) AverageProcessingTimes(ctx context.Context) (runner.ProcessingTimes, error) {
	query := fmt.Sprintf(`
SELECT tool,
	priority > 1 AS high_priority,
	COALESCE(SUM(processing_time), 0)::BIGINT AS processing_ms,
	COUNT(processing_time) AS processing_count,
	COALESCE(SUM(EXTRACT(EPOCH FROM (completed_at - received_at)) * 1000), 0)::BIGINT AS completion_ms,
	COUNT(*) AS completion_count
FROM %s
WHERE completed_at IS NOT NULL
GROUP BY tool, high_priority`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return runner.ProcessingTimes{}, fmt.Errorf("%w: average processing times: %w", runner.ErrStorage, err)
	}
	defer rows.Close()

	var acc runner.AverageAccumulator
	for rows.Next() {
		var (
			tool                          string
			high                          bool
			processingMS, processingCount int64
			completionMS, completionCount int64
		)
		if err := rows.Scan(&tool, &high, &processingMS, &processingCount, &completionMS, &completionCount); err != nil {
			return runner.ProcessingTimes{}, fmt.Errorf("%w: average processing times: %w", runner.ErrStorage, err)
		}
		acc.Add(tool, high, runner.DurationSum{
			Processing:      time.Duration(processingMS) * time.Millisecond,
			ProcessingCount: processingCount,
			Completion:      time.Duration(completionMS) * time.Millisecond,
			CompletionCount: completionCount,
		})
	}
	if err := rows.Err(); err != nil {
		return runner.ProcessingTimes{}, fmt.Errorf("%w: average processing times: %w", runner.ErrStorage, err)
	}
	return acc.Result(), nil
}
