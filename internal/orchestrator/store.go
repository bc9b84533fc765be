package orchestrator

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
)

const (
	snapshotFile = "snapshot.json"
	reposFile    = "repos.json"
)

type taskSnapshot struct {
	Tasks []*Task `json:"tasks"`
}

type repoSnapshot struct {
	Repos []*RepoRegistration `json:"repos"`
}

// store persists the task map and repo registry under <dataDir>/tasks. All
// writes are tmp+rename; the caller serializes access.
type store struct {
	dir string
	log *logger.Logger
}

func newStore(dir string, log *logger.Logger) (*store, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &store{dir: dir, log: log.WithComponent("task-store")}, nil
}

func (s *store) snapshotPath() string { return filepath.Join(s.dir, snapshotFile) }
func (s *store) reposPath() string    { return filepath.Join(s.dir, reposFile) }

// SaveTasks writes the full task snapshot atomically, ordered by createdAt so
// the on-disk file is stable and diffable.
func (s *store) SaveTasks(tasks map[string]*Task) error {
	snap := taskSnapshot{Tasks: make([]*Task, 0, len(tasks))}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool {
		if snap.Tasks[i].CreatedAt.Equal(snap.Tasks[j].CreatedAt) {
			return snap.Tasks[i].ID < snap.Tasks[j].ID
		}
		return snap.Tasks[i].CreatedAt.Before(snap.Tasks[j].CreatedAt)
	})
	return fsutil.WriteJSONAtomic(s.snapshotPath(), snap)
}

// LoadTasks reads the snapshot back. Tasks persisted in running state are
// orphans from a previous process; they are requeued so the coordinator can
// pick them up again, and the orphan count is returned for health reporting.
func (s *store) LoadTasks() (map[string]*Task, int, error) {
	tasks := make(map[string]*Task)
	var snap taskSnapshot
	if err := fsutil.ReadJSON(s.snapshotPath(), &snap); err != nil {
		if os.IsNotExist(err) {
			return tasks, 0, nil
		}
		return nil, 0, err
	}
	orphaned := 0
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if t.State == StateRunning {
			orphaned++
			applyTransition(t, StateQueued, EventRetried, "requeued after daemon restart", map[string]string{"orphaned": "true"})
		}
		tasks[t.ID] = t
	}
	if orphaned > 0 {
		s.log.Warn("requeued orphaned tasks from previous run", zap.Int("count", orphaned))
	}
	return tasks, orphaned, nil
}

func (s *store) SaveRepos(repos map[string]*RepoRegistration) error {
	snap := repoSnapshot{Repos: make([]*RepoRegistration, 0, len(repos))}
	for _, r := range repos {
		snap.Repos = append(snap.Repos, r)
	}
	sort.Slice(snap.Repos, func(i, j int) bool { return snap.Repos[i].ID < snap.Repos[j].ID })
	return fsutil.WriteJSONAtomic(s.reposPath(), snap)
}

func (s *store) LoadRepos() (map[string]*RepoRegistration, error) {
	repos := make(map[string]*RepoRegistration)
	var snap repoSnapshot
	if err := fsutil.ReadJSON(s.reposPath(), &snap); err != nil {
		if os.IsNotExist(err) {
			return repos, nil
		}
		return nil, err
	}
	for _, r := range snap.Repos {
		if r == nil || r.ID == "" {
			continue
		}
		repos[r.ID] = r
	}
	return repos, nil
}
