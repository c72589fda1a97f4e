// Package postgres provides a Postgres-backed audit job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultOpTimeout = 5 * time.Second

// Config controls the Postgres connection pool used for audit jobs.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// OpTimeout bounds every statement; zero selects a 5s default.
	OpTimeout time.Duration
	// SlowHold logs a warning when a statement holds its handle longer than
	// this; zero disables the diagnostic.
	SlowHold time.Duration
}

// pool is the subset of *pgxpool.Pool used by the store.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore persists audit jobs as one row per job with JSONB columns for
// options, stage progress and the final report.
type JobStore struct {
	pool       pool
	table      string
	opTimeout  time.Duration
	slowHold   time.Duration
	onSlowHold func(op string, limit time.Duration)
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	store, err := NewWithPool(p, cfg.Table, cfg.OpTimeout)
	if err != nil {
		p.Close()
		return nil, err
	}
	store.WithSlowHoldWarning(cfg.SlowHold, logger)
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, opTimeout time.Duration) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "audit_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &JobStore{pool: p, table: table, opTimeout: opTimeout}, nil
}

// WithSlowHoldWarning logs statements that hold a handle longer than limit.
func (s *JobStore) WithSlowHoldWarning(limit time.Duration, logger *zap.Logger) {
	if limit <= 0 || logger == nil {
		return
	}
	s.slowHold = limit
	s.onSlowHold = func(op string, limit time.Duration) {
		logger.Warn("postgres handle held past threshold",
			zap.String("op", op),
			zap.String("table", s.table),
			zap.Duration("threshold", limit))
	}
}

// Ping verifies a connection can be acquired.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.withHandle(ctx, "ping", s.pool.Ping)
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	state      TEXT NOT NULL,
	options    JSONB NOT NULL,
	stages     JSONB NOT NULL,
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_created_at_idx ON %[1]s (created_at)`, s.table)
	return s.withHandle(ctx, "ensure_schema", func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		return nil
	})
}

// CreateJob inserts a new job row. Existing ids are rejected.
func (s *JobStore) CreateJob(ctx context.Context, job audit.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	cols, err := encodeJob(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, state, options, stages, report, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`, s.table)
	return s.withHandle(ctx, "create_job", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query,
			job.ID, job.URL, string(job.State), cols.options, cols.stages, cols.report, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return nil
	})
}

// SaveJob overwrites the mutable columns of an existing job.
func (s *JobStore) SaveJob(ctx context.Context, job audit.Job) error {
	cols, err := encodeJob(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET state = $2, stages = $3, report = $4, updated_at = $5
WHERE id = $1`, s.table)
	return s.withHandle(ctx, "save_job", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, job.ID, string(job.State), cols.stages, cols.report, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("save job %s: %w", job.ID, audit.ErrNotFound)
		}
		return nil
	})
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (audit.Job, error) {
	query := fmt.Sprintf(`
SELECT id, url, state, options, stages, report, created_at, updated_at
FROM %s WHERE id = $1`, s.table)
	var job audit.Job
	err := s.withHandle(ctx, "get_job", func(ctx context.Context) error {
		var (
			state                   string
			options, stages, report []byte
		)
		err := s.pool.QueryRow(ctx, query, jobID).Scan(
			&job.ID, &job.URL, &state, &options, &stages, &report, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return audit.ErrNotFound
			}
			return fmt.Errorf("get job: %w", err)
		}
		job.State = audit.JobState(state)
		return decodeJob(&job, options, stages, report)
	})
	if err != nil {
		return audit.Job{}, err
	}
	return job, nil
}

// DeleteJobsBefore removes terminal jobs created before cutoff.
func (s *JobStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE state = ANY($1) AND created_at < $2`, s.table)
	terminal := []string{
		string(audit.JobStateCompleted),
		string(audit.JobStatePartiallyFailed),
		string(audit.JobStateFailed),
	}
	var removed int
	err := s.withHandle(ctx, "delete_jobs", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, terminal, cutoff)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// withHandle bounds one statement by the op timeout and fires the slow-hold
// hook when it runs long. Both are released on every return path.
func (s *JobStore) withHandle(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if s.slowHold > 0 && s.onSlowHold != nil {
		timer := time.AfterFunc(s.slowHold, func() { s.onSlowHold(op, s.slowHold) })
		defer timer.Stop()
	}
	return fn(ctx)
}

type jobColumns struct {
	options []byte
	stages  []byte
	report  []byte
}

func encodeJob(job audit.Job) (jobColumns, error) {
	var cols jobColumns
	var err error
	if cols.options, err = json.Marshal(job.Options); err != nil {
		return cols, fmt.Errorf("marshal options: %w", err)
	}
	if cols.stages, err = json.Marshal(job.Stages); err != nil {
		return cols, fmt.Errorf("marshal stages: %w", err)
	}
	if job.Report != nil {
		if cols.report, err = json.Marshal(job.Report); err != nil {
			return cols, fmt.Errorf("marshal report: %w", err)
		}
	}
	return cols, nil
}

func decodeJob(job *audit.Job, options, stages, report []byte) error {
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(stages, &job.Stages); err != nil {
		return fmt.Errorf("decode stages: %w", err)
	}
	if len(report) > 0 {
		var r audit.Report
		if err := json.Unmarshal(report, &r); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
		job.Report = &r
	}
	return nil
}
