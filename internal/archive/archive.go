// Package archive appends terminal tasks to a queryable store. The live
// snapshot under DATA_DIR stays authoritative; the archive exists for
// history queries that outlive snapshot compaction.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/orchestrator"
)

// Record is one archived task row.
type Record struct {
	ID            string     `db:"id" json:"id"`
	RepoID        string     `db:"repo_id" json:"repoId"`
	Source        string     `db:"source" json:"source"`
	State         string     `db:"state" json:"state"`
	Text          string     `db:"text" json:"text"`
	Summary       string     `db:"summary" json:"summary,omitempty"`
	RetryCount    int        `db:"retry_count" json:"retryCount"`
	Escalated     bool       `db:"escalated" json:"escalated"`
	SessionKey    string     `db:"session_key" json:"sessionKey,omitempty"`
	WorkerSession string     `db:"worker_session" json:"workerSession"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	FinishedAt    *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	EventsJSON    []byte     `db:"events" json:"-"`
}

// Filter narrows List results.
type Filter struct {
	RepoID string
	State  string
	Limit  int
}

// Store is the archive backend. Put is an upsert keyed by task id so
// redelivered terminal transitions stay idempotent.
type Store interface {
	Put(ctx context.Context, t *orchestrator.Task) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Provide builds the configured store. Disabled archives get a no-op store
// so callers never branch.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, error) {
	if !cfg.Archive.Enabled {
		return NewNoopStore(), nil
	}
	switch cfg.Archive.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.ArchiveSQLitePath(), log)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Archive.Postgres, log)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Archive.Driver)
	}
}
