package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/events/bus"
	"github.com/relaydev/relayd/internal/orchestrator/engine"
	"github.com/relaydev/relayd/internal/outbox"
	"github.com/relaydev/relayd/internal/transport"
	"github.com/relaydev/relayd/internal/worker"
	"github.com/relaydev/relayd/internal/worktree"
)

// fakeRunner satisfies worker.Runner without tmux. Each Start invokes the
// script with the attempt number and the worktree dir; the script usually
// writes a result artifact. Sessions marked live stay up until killed.
type fakeRunner struct {
	mu        sync.Mutex
	live      map[string]bool
	starts    int
	stayLive  bool
	killDelay time.Duration
	script    func(attempt int, dir string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{live: make(map[string]bool)}
}

func (r *fakeRunner) Start(_ context.Context, name, dir, _ string, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.script != nil {
		r.script(r.starts, dir)
	}
	r.live[name] = r.stayLive
	return nil
}

func (r *fakeRunner) Has(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[name], nil
}

func (r *fakeRunner) Kill(_ context.Context, name string) error {
	r.mu.Lock()
	delete(r.live, name)
	delay := r.killDelay
	r.mu.Unlock()
	// A slow kill return lets the worker supervisor observe the exit first.
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (r *fakeRunner) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, up := range r.live {
		if up {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *fakeRunner) WaitForExit(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		up := r.live[name]
		r.mu.Unlock()
		if !up {
			return nil
		}
		if time.Now().After(deadline) {
			return worker.ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func writeResult(t *testing.T, dir string, res Result) {
	t.Helper()
	data, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ResultArtifactName), data, 0o644))
}

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		DataDir: dataDir,
		Worker: config.WorkerConfig{
			SessionPrefix: "dev-agent",
			AutoCleanup:   true,
		},
		Task: config.TaskConfig{
			MaxRetries:           2,
			MaxConcurrentWorkers: 2,
			CancelTimeoutMs:      2000,
			StaleAfterMinutes:    30,
			FailingWindowMinutes: 30,
		},
		Worktree: config.WorktreeConfig{
			RootDir:         filepath.Join(dataDir, "worktrees"),
			StaleAfterHours: 72,
		},
		Engine: config.EngineConfig{Mode: "mock"},
	}
}

func newTestService(t *testing.T, runner worker.Runner) *Service {
	t.Helper()
	cfg := testConfig(t.TempDir())
	log := quietLogger(t)
	wm, err := worktree.NewManager(worktree.Config{RootDir: cfg.Worktree.RootDir}, log)
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Config:    cfg,
		Log:       log,
		Worktrees: wm,
		Runner:    runner,
		Engine:    engine.New(cfg.Engine),
		Bus:       bus.NewMemoryEventBus(log),
	})
	require.NoError(t, err)
	return svc
}

func registerTestRepo(t *testing.T, svc *Service) string {
	t.Helper()
	repoDir := initGitRepo(t)
	_, err := svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "app", Path: repoDir})
	require.NoError(t, err)
	return repoDir
}

// initGitRepo creates a git repository with one commit on main.
func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "-c", "user.name=test", "-c", "user.email=test@example.com",
		"commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, output)
}

func waitForState(t *testing.T, svc *Service, taskID string, want State) *Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Get(taskID)
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := svc.Get(taskID)
	t.Fatalf("task %s never reached %s, still %s", taskID, want, task.State)
	return nil
}

func TestSubmitTask_Validation(t *testing.T) {
	svc := newTestService(t, newFakeRunner())

	_, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "  "})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestSubmitTask_NoRepoRegistered(t *testing.T) {
	svc := newTestService(t, newFakeRunner())

	_, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "do it"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNoRepoRegistered, apperrors.CodeOf(err))
}

func TestSubmitTask_DefaultsAndSessionKey(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	registerTestRepo(t, svc)

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "Fix login bug"})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, task.State)
	assert.Equal(t, "app", task.RepoID)
	assert.Equal(t, SourceOperator, task.Source)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Contains(t, task.WorkerSessionKey, "dev-agent-app-fix-login-bug-")
	require.Len(t, task.Events, 1)
	assert.Equal(t, EventSubmitted, task.Events[0].Kind)
}

func TestSubmitTask_Fanout(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	registerTestRepo(t, svc)

	parent, err := svc.SubmitTask(context.Background(), SubmitRequest{
		Text:   "Split the work",
		Fanout: []string{"part one", "part two", ""},
	})
	require.NoError(t, err)
	require.Len(t, parent.Children, 2)

	for i, childID := range parent.Children {
		child, err := svc.Get(childID)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, child.ParentTaskID)
		assert.Equal(t, StateQueued, child.State)
		if i == 0 {
			assert.Equal(t, "part one", child.Text)
		}
	}
}

func TestLifecycle_Success(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(_ int, dir string) {
		writeResult(t, dir, Result{Status: ResultSuccess, Summary: "all green", PRURL: "https://example.com/pr/1"})
	}
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "ship it"})
	require.NoError(t, err)

	done := waitForState(t, svc, task.ID, StateDone)
	require.NotNil(t, done.Artifact)
	assert.Equal(t, "all green", done.Artifact.Summary)
	assert.Equal(t, "https://example.com/pr/1", done.Artifact.PRURL)
	assert.False(t, done.EscalationRequired)
	require.NotNil(t, done.FinishedAt)

	kinds := make([]string, 0, len(done.Events))
	for _, ev := range done.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{EventSubmitted, EventStarted, EventCompleted}, kinds)
}

func TestLifecycle_RetryThenSuccess(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(attempt int, dir string) {
		if attempt == 1 {
			writeResult(t, dir, Result{Status: ResultFailure, Summary: "flaky network", Retriable: true})
			return
		}
		writeResult(t, dir, Result{Status: ResultSuccess, Summary: "second time lucky"})
	}
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "retry me"})
	require.NoError(t, err)

	done := waitForState(t, svc, task.ID, StateDone)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, 2, runner.startCount())
	assert.False(t, done.EscalationRequired)
}

func TestLifecycle_RetriesExhausted(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(_ int, dir string) {
		writeResult(t, dir, Result{Status: ResultFailure, Summary: "still broken", Retriable: true})
	}
	svc := newTestService(t, runner)
	svc.cfg.Task.MaxRetries = 1
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "doomed"})
	require.NoError(t, err)

	failed := waitForState(t, svc, task.ID, StateFailed)
	assert.Equal(t, 1, failed.RetryCount)
	assert.True(t, failed.EscalationRequired)
	assert.Equal(t, 2, runner.startCount())
}

func TestLifecycle_NonRetriableFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(_ int, dir string) {
		writeResult(t, dir, Result{Status: ResultFailure, Summary: "bad credentials", Retriable: false})
	}
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "one shot"})
	require.NoError(t, err)

	failed := waitForState(t, svc, task.ID, StateFailed)
	assert.True(t, failed.EscalationRequired)
	assert.Equal(t, 1, runner.startCount(), "non-retriable failures must not retry")
}

func TestLifecycle_MissingArtifactIsRetriableFailure(t *testing.T) {
	runner := newFakeRunner()
	svc := newTestService(t, runner)
	svc.cfg.Task.MaxRetries = 0
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "silent worker"})
	require.NoError(t, err)

	failed := waitForState(t, svc, task.ID, StateFailed)
	require.NotNil(t, failed.Artifact)
	assert.Contains(t, failed.Artifact.Summary, "without a result artifact")
}

func TestLifecycle_BlockedThenUnblock(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(attempt int, dir string) {
		if attempt == 1 {
			writeResult(t, dir, Result{Status: ResultBlocked, Summary: "needs credentials"})
			return
		}
		writeResult(t, dir, Result{Status: ResultSuccess, Summary: "unblocked and done"})
	}
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "needs a human"})
	require.NoError(t, err)

	waitForState(t, svc, task.ID, StateBlocked)

	_, err = svc.Unblock(context.Background(), task.ID)
	require.NoError(t, err)

	done := waitForState(t, svc, task.ID, StateDone)
	assert.Equal(t, "unblocked and done", done.Artifact.Summary)
}

func TestUnblock_RejectsNonBlocked(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	registerTestRepo(t, svc)

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "queued task"})
	require.NoError(t, err)

	_, err = svc.Unblock(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err))

	got, err := svc.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	last := got.Events[len(got.Events)-1]
	assert.Equal(t, EventTransitionRejected, last.Kind)
}

func TestCancel_Queued(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	registerTestRepo(t, svc)

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "never runs"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	// Terminal cancel is a no-op.
	again, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, again.State)
	assert.Equal(t, len(cancelled.Events), len(again.Events))
}

func TestCancel_Running(t *testing.T) {
	runner := newFakeRunner()
	runner.stayLive = true
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "long running"})
	require.NoError(t, err)

	waitForState(t, svc, task.ID, StateRunning)

	cancelled, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.True(t, cancelled.CancelRequested)

	live, err := runner.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live, "worker session should be gone")
}

func TestCancel_RunningSupervisorSettlesFirst(t *testing.T) {
	runner := newFakeRunner()
	runner.stayLive = true
	runner.killDelay = 200 * time.Millisecond
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "long running"})
	require.NoError(t, err)
	waitForState(t, svc, task.ID, StateRunning)

	cancelled, err := svc.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.True(t, cancelled.CancelRequested)

	// The kill-induced exit leaves no result artifact; it must not be read
	// as a worker failure or trigger a retry.
	final := waitForState(t, svc, task.ID, StateCancelled)
	assert.False(t, final.EscalationRequired)
	assert.Equal(t, 0, final.RetryCount)
	for _, ev := range final.Events {
		assert.NotEqual(t, EventFailed, ev.Kind)
		assert.NotEqual(t, EventRetried, ev.Kind)
	}
	assert.Equal(t, 1, runner.startCount())
}

func TestFailure_RetainsWorktreeWithinRetention(t *testing.T) {
	cfg := testConfig(t.TempDir())
	// Process mode with no command fails at startup, after the worktree
	// already exists.
	cfg.Engine = config.EngineConfig{Mode: "process"}
	cfg.Worker.FailedRetentionHours = 4
	cfg.Task.MaxRetries = 0
	log := quietLogger(t)
	wm, err := worktree.NewManager(worktree.Config{RootDir: cfg.Worktree.RootDir}, log)
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Config:    cfg,
		Log:       log,
		Worktrees: wm,
		Runner:    newFakeRunner(),
		Engine:    engine.New(cfg.Engine),
		Bus:       bus.NewMemoryEventBus(log),
	})
	require.NoError(t, err)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "no engine"})
	require.NoError(t, err)

	failed := waitForState(t, svc, task.ID, StateFailed)
	require.NotNil(t, failed.Artifact)
	info, statErr := os.Stat(failed.Artifact.WorktreePath)
	require.NoError(t, statErr, "failed worktree should be retained for debugging")
	assert.True(t, info.IsDir())
}

func TestTerminalNotification_TruncatesText(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(_ int, dir string) {
		writeResult(t, dir, Result{Status: ResultSuccess, Summary: "done"})
	}
	cfg := testConfig(t.TempDir())
	log := quietLogger(t)
	wm, err := worktree.NewManager(worktree.Config{RootDir: cfg.Worktree.RootDir}, log)
	require.NoError(t, err)
	notifier, err := outbox.New(outbox.Config{
		Name:      "notifier",
		StatePath: filepath.Join(cfg.DataDir, "outbox-state.json"),
	}, func(context.Context, json.RawMessage) (string, error) { return "", nil }, log)
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Config:    cfg,
		Log:       log,
		Worktrees: wm,
		Runner:    runner,
		Engine:    engine.New(cfg.Engine),
		Bus:       bus.NewMemoryEventBus(log),
		Notifier:  notifier,
	})
	require.NoError(t, err)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: strings.Repeat("x", 400)})
	require.NoError(t, err)
	waitForState(t, svc, task.ID, StateDone)

	rec, ok := notifier.Get("task." + task.ID + ".done")
	require.True(t, ok, "terminal notification should be enqueued")
	var n transport.Notification
	require.NoError(t, json.Unmarshal(rec.Payload, &n))
	assert.Len(t, n.Text, notifyTextMax)
	assert.True(t, strings.HasSuffix(n.Text, "..."))
}

func TestList_FilterAndOrder(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	registerTestRepo(t, svc)

	first, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "first"})
	require.NoError(t, err)
	second, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "second"})
	require.NoError(t, err)

	all := svc.List("")
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	_, err = svc.Cancel(context.Background(), first.ID)
	require.NoError(t, err)
	queued := svc.List(StateQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, second.ID, queued[0].ID)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t.TempDir())
	log := quietLogger(t)
	wm, err := worktree.NewManager(worktree.Config{RootDir: cfg.Worktree.RootDir}, log)
	require.NoError(t, err)
	deps := Deps{Config: cfg, Log: log, Worktrees: wm, Runner: newFakeRunner(), Engine: engine.New(cfg.Engine)}

	svc, err := NewService(deps)
	require.NoError(t, err)
	registerTestRepo(t, svc)
	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "durable"})
	require.NoError(t, err)

	svc2, err := NewService(deps)
	require.NoError(t, err)
	got, err := svc2.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Text)
	assert.Equal(t, StateQueued, got.State)
	require.Len(t, svc2.ListRepos(), 1)
}

func TestRegisterRepo(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	repoDir := initGitRepo(t)

	repo, err := svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "app", Path: repoDir})
	require.NoError(t, err)
	assert.True(t, repo.IsDefault, "first repo becomes default")
	assert.Equal(t, "main", repo.DefaultBranch)

	_, err = svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "app", Path: repoDir})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))

	_, err = svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "other", Path: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestSetDefaultRepo(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	repoA := initGitRepo(t)
	repoB := initGitRepo(t)

	_, err := svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "a", Path: repoA})
	require.NoError(t, err)
	_, err = svc.RegisterRepo(context.Background(), RegisterRepoRequest{ID: "b", Path: repoB})
	require.NoError(t, err)

	updated, err := svc.SetDefaultRepo(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, updated.IsDefault)

	for _, r := range svc.ListRepos() {
		assert.Equal(t, r.ID == "b", r.IsDefault)
	}

	_, err = svc.SetDefaultRepo(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestGetHealthStatus(t *testing.T) {
	svc := newTestService(t, newFakeRunner())
	health := svc.GetHealthStatus(context.Background())
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Metrics.TotalTasks)
	assert.False(t, health.CheckedAt.IsZero())
}

func TestGetHealthStatus_FailingAfterFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(_ int, dir string) {
		writeResult(t, dir, Result{Status: ResultFailure, Summary: "broken", Retriable: false})
	}
	svc := newTestService(t, runner)
	registerTestRepo(t, svc)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	task, err := svc.SubmitTask(context.Background(), SubmitRequest{Text: "will fail"})
	require.NoError(t, err)
	waitForState(t, svc, task.ID, StateFailed)

	health := svc.GetHealthStatus(context.Background())
	assert.Equal(t, "failing", health.Status)
	assert.Equal(t, 1, health.Metrics.Failed)
	assert.NotEmpty(t, health.Issues)
}
