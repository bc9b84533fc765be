package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/orchestrator"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
	id             TEXT PRIMARY KEY,
	repo_id        TEXT NOT NULL,
	source         TEXT NOT NULL,
	state          TEXT NOT NULL,
	text           TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	escalated      BOOLEAN NOT NULL DEFAULT FALSE,
	session_key    TEXT NOT NULL DEFAULT '',
	worker_session TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	events         JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_repo ON archived_tasks(repo_id);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_state ON archived_tasks(state);
`

// PostgresStore keeps the archive in PostgreSQL behind a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresStore connects, verifies the connection and migrates the schema.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse archive database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create archive connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return &PostgresStore{pool: pool, log: log.WithComponent("archive.postgres")}, nil
}

func (s *PostgresStore) Put(ctx context.Context, t *orchestrator.Task) error {
	rec, err := recordFromTask(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_tasks
			(id, repo_id, source, state, text, summary, retry_count, escalated,
			 session_key, worker_session, created_at, finished_at, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			summary = EXCLUDED.summary,
			retry_count = EXCLUDED.retry_count,
			escalated = EXCLUDED.escalated,
			finished_at = EXCLUDED.finished_at,
			events = EXCLUDED.events`,
		rec.ID, rec.RepoID, rec.Source, rec.State, rec.Text, rec.Summary,
		rec.RetryCount, rec.Escalated, rec.SessionKey, rec.WorkerSession,
		rec.CreatedAt, rec.FinishedAt, rec.EventsJSON)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, repo_id, source, state, text, summary, retry_count, escalated,
		       session_key, worker_session, created_at, finished_at, events
		FROM archived_tasks WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("archived task", id)
		}
		return nil, fmt.Errorf("read archived task %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
		SELECT id, repo_id, source, state, text, summary, retry_count, escalated,
		       session_key, worker_session, created_at, finished_at, events
		FROM archived_tasks WHERE TRUE`
	args := make([]any, 0, 3)
	if f.RepoID != "" {
		args = append(args, f.RepoID)
		query += fmt.Sprintf(" AND repo_id = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM archived_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var events []byte
	err := row.Scan(&rec.ID, &rec.RepoID, &rec.Source, &rec.State, &rec.Text,
		&rec.Summary, &rec.RetryCount, &rec.Escalated, &rec.SessionKey,
		&rec.WorkerSession, &rec.CreatedAt, &rec.FinishedAt, &events)
	if err != nil {
		return nil, err
	}
	rec.EventsJSON = events
	return &rec, nil
}

// Events decodes the archived event log.
func (r *Record) Events() ([]orchestrator.TaskEvent, error) {
	if len(r.EventsJSON) == 0 {
		return nil, nil
	}
	var events []orchestrator.TaskEvent
	if err := json.Unmarshal(r.EventsJSON, &events); err != nil {
		return nil, fmt.Errorf("decode archived events: %w", err)
	}
	return events, nil
}
