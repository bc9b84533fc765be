package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relayd/internal/common/logger"
)

func quietLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestStore_TaskRoundTrip(t *testing.T) {
	st, err := newStore(t.TempDir(), quietLogger(t))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	tasks := map[string]*Task{
		"t1": {ID: "t1", State: StateDone, Text: "first", RepoID: "r", CreatedAt: now, UpdatedAt: now},
		"t2": {ID: "t2", State: StateQueued, Text: "second", RepoID: "r", CreatedAt: now.Add(time.Second), UpdatedAt: now},
	}
	require.NoError(t, st.SaveTasks(tasks))

	loaded, orphaned, err := st.LoadTasks()
	require.NoError(t, err)
	assert.Zero(t, orphaned)
	require.Len(t, loaded, 2)
	assert.Equal(t, "first", loaded["t1"].Text)
	assert.Equal(t, StateQueued, loaded["t2"].State)
}

func TestStore_LoadMissingSnapshot(t *testing.T) {
	st, err := newStore(t.TempDir(), quietLogger(t))
	require.NoError(t, err)

	tasks, orphaned, err := st.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Zero(t, orphaned)

	repos, err := st.LoadRepos()
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestStore_RequeuesOrphanedRunning(t *testing.T) {
	st, err := newStore(t.TempDir(), quietLogger(t))
	require.NoError(t, err)

	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	require.NoError(t, st.SaveTasks(map[string]*Task{
		"t1": {ID: "t1", State: StateRunning, CreatedAt: now, UpdatedAt: now, StartedAt: &started},
		"t2": {ID: "t2", State: StateDone, CreatedAt: now, UpdatedAt: now},
	}))

	loaded, orphaned, err := st.LoadTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, orphaned)
	require.Equal(t, StateQueued, loaded["t1"].State)
	last := loaded["t1"].Events[len(loaded["t1"].Events)-1]
	assert.Equal(t, EventRetried, last.Kind)
	assert.Equal(t, "true", last.Details["orphaned"])
	assert.Equal(t, StateDone, loaded["t2"].State)
}

func TestStore_RepoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := newStore(dir, quietLogger(t))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.SaveRepos(map[string]*RepoRegistration{
		"app": {ID: "app", Path: "/srv/app", DefaultBranch: "main", IsDefault: true, CreatedAt: now, UpdatedAt: now},
	}))

	// The file is written atomically, so a reader never sees a temp file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
	_, err = os.Stat(filepath.Join(dir, reposFile))
	require.NoError(t, err)

	repos, err := st.LoadRepos()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.True(t, repos["app"].IsDefault)
	assert.Equal(t, "main", repos["app"].DefaultBranch)
}
