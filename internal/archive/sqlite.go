package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/orchestrator"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL allows the reader pool to proceed alongside the single writer.
	sqliteReaderConns = 4
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS archived_tasks (
	id             TEXT PRIMARY KEY,
	repo_id        TEXT NOT NULL,
	source         TEXT NOT NULL,
	state          TEXT NOT NULL,
	text           TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	escalated      INTEGER NOT NULL DEFAULT 0,
	session_key    TEXT NOT NULL DEFAULT '',
	worker_session TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP,
	events         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_repo ON archived_tasks(repo_id);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_state ON archived_tasks(state);
`

// SQLiteStore keeps the archive in a local SQLite database: one writer
// connection serializes inserts while a read-only pool serves queries.
type SQLiteStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	log    *logger.Logger
}

// NewSQLiteStore opens (and migrates) the archive database at path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare archive dir: %w", err)
		}
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond))
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if _, err := writer.Exec(sqliteSchema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(sqliteBusyTimeout/time.Millisecond))
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open archive reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &SQLiteStore{writer: writer, reader: reader, log: log.WithComponent("archive.sqlite")}, nil
}

func recordFromTask(t *orchestrator.Task) (*Record, error) {
	eventsJSON, err := json.Marshal(t.Events)
	if err != nil {
		return nil, fmt.Errorf("marshal task events: %w", err)
	}
	rec := &Record{
		ID:            t.ID,
		RepoID:        t.RepoID,
		Source:        string(t.Source),
		State:         string(t.State),
		Text:          t.Text,
		RetryCount:    t.RetryCount,
		Escalated:     t.EscalationRequired,
		SessionKey:    t.SessionKey,
		WorkerSession: t.WorkerSessionKey,
		CreatedAt:     t.CreatedAt,
		FinishedAt:    t.FinishedAt,
		EventsJSON:    eventsJSON,
	}
	if t.Artifact != nil {
		rec.Summary = t.Artifact.Summary
	}
	return rec, nil
}

// Put upserts the task by id so repeated terminal transitions are harmless.
func (s *SQLiteStore) Put(ctx context.Context, t *orchestrator.Task) error {
	rec, err := recordFromTask(t)
	if err != nil {
		return err
	}
	query := s.writer.Rebind(`
		INSERT INTO archived_tasks
			(id, repo_id, source, state, text, summary, retry_count, escalated,
			 session_key, worker_session, created_at, finished_at, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			summary = excluded.summary,
			retry_count = excluded.retry_count,
			escalated = excluded.escalated,
			finished_at = excluded.finished_at,
			events = excluded.events`)
	_, err = s.writer.ExecContext(ctx, query,
		rec.ID, rec.RepoID, rec.Source, rec.State, rec.Text, rec.Summary,
		rec.RetryCount, rec.Escalated, rec.SessionKey, rec.WorkerSession,
		rec.CreatedAt, rec.FinishedAt, string(rec.EventsJSON))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	query := s.reader.Rebind(`SELECT * FROM archived_tasks WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("archived task", id)
		}
		return nil, fmt.Errorf("read archived task %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT * FROM archived_tasks WHERE 1=1`
	args := make([]any, 0, 3)
	if f.RepoID != "" {
		query += ` AND repo_id = ?`
		args = append(args, f.RepoID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var recs []Record
	if err := s.reader.SelectContext(ctx, &recs, s.reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.GetContext(ctx, &n, `SELECT COUNT(*) FROM archived_tasks`); err != nil {
		return 0, fmt.Errorf("count archived tasks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
