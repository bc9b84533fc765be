package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/common/stringutil"
	"github.com/relaydev/relayd/internal/events"
	"github.com/relaydev/relayd/internal/events/bus"
	"github.com/relaydev/relayd/internal/orchestrator/engine"
	"github.com/relaydev/relayd/internal/outbox"
	"github.com/relaydev/relayd/internal/session"
	"github.com/relaydev/relayd/internal/transport"
	"github.com/relaydev/relayd/internal/worker"
	"github.com/relaydev/relayd/internal/worktree"
)

const (
	coordinatorTick = 500 * time.Millisecond
	exitPollWindow  = 2 * time.Second

	// notifyTextMax caps the task text carried in outbound notifications.
	notifyTextMax = 300
)

// Archiver receives terminal tasks for long-term storage.
type Archiver interface {
	Put(ctx context.Context, t *Task) error
}

// Deps bundles the collaborators the service drives.
type Deps struct {
	Config    *config.Config
	Log       *logger.Logger
	Worktrees *worktree.Manager
	Runner    worker.Runner
	Engine    *engine.Engine
	Bus       bus.EventBus
	Sessions  *session.Store
	Notifier  *outbox.Supervisor
	Archive   Archiver
}

// Service drives the task state machine. One coordinator goroutine picks
// queued tasks in FIFO order of createdAt and hands each to a worker
// supervisor goroutine; a weighted semaphore bounds concurrent supervisors.
// All task map mutations happen under one mutex.
type Service struct {
	cfg       *config.Config
	log       *logger.Logger
	worktrees *worktree.Manager
	runner    worker.Runner
	engine    *engine.Engine
	bus       bus.EventBus
	sessions  *session.Store
	notifier  *outbox.Supervisor
	archive   Archiver
	store     *store

	slots *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[string]*Task
	repos    map[string]*RepoRegistration
	active   map[string]struct{}
	orphaned int

	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewService loads persisted state and prepares the coordinator. Tasks found
// in running state from a previous process are requeued.
func NewService(deps Deps) (*Service, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	log := deps.Log.WithComponent("orchestrator")

	st, err := newStore(deps.Config.TasksDir(), deps.Log)
	if err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}
	tasks, orphaned, err := st.LoadTasks()
	if err != nil {
		return nil, fmt.Errorf("load task snapshot: %w", err)
	}
	repos, err := st.LoadRepos()
	if err != nil {
		return nil, fmt.Errorf("load repo registry: %w", err)
	}

	maxWorkers := deps.Config.Task.MaxConcurrentWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	s := &Service{
		cfg:       deps.Config,
		log:       log,
		worktrees: deps.Worktrees,
		runner:    deps.Runner,
		engine:    deps.Engine,
		bus:       deps.Bus,
		sessions:  deps.Sessions,
		notifier:  deps.Notifier,
		archive:   deps.Archive,
		store:     st,
		slots:     semaphore.NewWeighted(int64(maxWorkers)),
		tasks:     tasks,
		repos:     repos,
		active:    make(map[string]struct{}),
		orphaned:  orphaned,
		wake:      make(chan struct{}, 1),
	}
	if orphaned > 0 {
		if err := st.SaveTasks(tasks); err != nil {
			return nil, fmt.Errorf("persist requeued tasks: %w", err)
		}
	}
	return s, nil
}

// Start launches the coordinator loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.coordinatorLoop(ctx)

	s.log.Info("orchestrator started",
		zap.Int("maxConcurrentWorkers", s.cfg.Task.MaxConcurrentWorkers),
		zap.Int("recoveredTasks", len(s.tasks)))
	return nil
}

// Stop signals the coordinator and waits for in-flight supervisors.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("orchestrator stopped")
}

// Wake nudges the coordinator ahead of its next tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) coordinatorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(coordinatorTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.dispatch(ctx)
	}
}

// dispatch starts supervisors for queued tasks in createdAt order until the
// semaphore runs out of slots. Starting in submission order preserves
// per-repo FIFO.
func (s *Service) dispatch(ctx context.Context) {
	s.mu.Lock()
	queued := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.State != StateQueued {
			continue
		}
		if _, claimed := s.active[t.ID]; claimed {
			continue
		}
		queued = append(queued, t)
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	var started []string
	for _, t := range queued {
		if !s.slots.TryAcquire(1) {
			break
		}
		s.active[t.ID] = struct{}{}
		started = append(started, t.ID)
	}
	s.mu.Unlock()

	for _, id := range started {
		s.wg.Add(1)
		go s.runWorker(ctx, id)
	}
}

// runWorker owns one task end-to-end: worktree, session, exit, verdict,
// cleanup. It releases its semaphore slot on return.
func (s *Service) runWorker(ctx context.Context, taskID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()
		s.slots.Release(1)
		s.Wake()
	}()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.State != StateQueued {
		s.mu.Unlock()
		return
	}
	task := t.Clone()
	repo := s.repos[task.RepoID]
	s.mu.Unlock()

	log := s.log.WithFields(zap.String("taskId", task.ID), zap.String("repoId", task.RepoID))

	if repo == nil {
		s.fail(taskID, "repository registration disappeared: "+task.RepoID, false, nil)
		return
	}

	wt, err := s.worktrees.Create(ctx, worktree.CreateRequest{
		TaskID:   task.ID,
		RepoID:   task.RepoID,
		RepoPath: repo.Path,
		BaseRef:  repo.DefaultBranch,
	})
	if err != nil {
		log.WithError(err).Error("worktree allocation failed")
		s.fail(taskID, "worktree allocation failed: "+err.Error(), true, nil)
		return
	}

	if _, err := s.advance(taskID, StateRunning, EventStarted, "worker session starting", map[string]string{
		"worktree": wt.Path,
		"branch":   wt.Branch,
	}, nil); err != nil {
		_ = s.worktrees.Destroy(ctx, wt.Path)
		return
	}

	resultPath := filepath.Join(wt.Path, ResultArtifactName)
	spec := engine.Spec{
		TaskID:     task.ID,
		TaskText:   task.Text,
		RepoID:     task.RepoID,
		ResultPath: resultPath,
		AutoCommit: s.cfg.Task.AutoCommit,
		AutoPR:     s.cfg.Task.AutoPR,
	}
	command, err := s.engine.Command(spec)
	if err != nil {
		log.WithError(err).Error("engine command unavailable")
		s.fail(taskID, "engine command unavailable: "+err.Error(), false, wt)
		return
	}

	sessionName := task.WorkerSessionKey
	if err := s.runner.Start(ctx, sessionName, wt.Path, command, s.engine.Env(spec)); err != nil {
		log.WithError(err).Error("worker session start failed")
		s.fail(taskID, "worker session start failed: "+err.Error(), true, wt)
		return
	}
	s.publish(ctx, events.BuildWorkerStartedSubject(task.ID), events.WorkerSessionStarted, map[string]any{
		"taskId":  task.ID,
		"session": sessionName,
	})
	log.Info("worker session started", zap.String("session", sessionName))

	s.awaitExit(ctx, taskID, sessionName)

	s.publish(ctx, events.BuildWorkerExitedSubject(task.ID), events.WorkerSessionExited, map[string]any{
		"taskId":  task.ID,
		"session": sessionName,
	})

	s.settle(ctx, taskID, sessionName, wt, resultPath)
}

// awaitExit blocks until the session is gone, the task goes terminal under
// it (cancellation), or the daemon stops.
func (s *Service) awaitExit(ctx context.Context, taskID, sessionName string) {
	for {
		err := s.runner.WaitForExit(ctx, sessionName, exitPollWindow)
		if err == nil {
			return
		}
		if !errors.Is(err, worker.ErrWaitTimeout) {
			s.log.WithError(err).Warn("session wait failed", zap.String("session", sessionName))
			return
		}
		s.mu.Lock()
		t, ok := s.tasks[taskID]
		terminal := !ok || t.State.Terminal()
		s.mu.Unlock()
		if terminal {
			return
		}
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// settle reads the result artifact, advances the machine and applies the
// cleanup policy. When cancellation already moved the task to a terminal
// state, only cleanup remains.
func (s *Service) settle(ctx context.Context, taskID, sessionName string, wt *worktree.Worktree, resultPath string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	alreadyTerminal := t.State.Terminal()
	cancelRequested := t.CancelRequested
	finalState := t.State
	s.mu.Unlock()

	// A kill-induced exit leaves no result artifact; a cancel-requested task
	// settles cancelled instead of being read as a retriable failure.
	switch {
	case alreadyTerminal:
	case cancelRequested:
		if next, err := s.settleCancel(taskID, "cancelled by request"); err == nil && next != nil {
			finalState = next.State
		}
	default:
		finalState = s.applyResult(taskID, wt, readResult(resultPath))
	}

	decision := worker.ShouldCleanup(string(finalState), worker.CleanupPolicy{
		AutoCleanup:          s.cfg.Worker.AutoCleanup,
		FailedRetentionHours: s.cfg.Worker.FailedRetentionHours,
	})
	// Requeued retries always release their resources so the next attempt
	// can recreate the worktree from scratch.
	cleanup := decision.Cleanup || finalState == StateQueued
	if cleanup {
		if err := s.runner.Kill(ctx, sessionName); err != nil {
			s.log.WithError(err).Warn("session cleanup failed", zap.String("session", sessionName))
		}
		if err := s.worktrees.Destroy(ctx, wt.Path); err != nil {
			s.log.WithError(err).Warn("worktree cleanup failed", zap.String("path", wt.Path))
		}
	}
	s.publish(ctx, events.WorkerCleanup+"."+taskID, events.WorkerCleanup, map[string]any{
		"taskId":  taskID,
		"session": sessionName,
		"cleanup": cleanup,
		"reason":  decision.Reason,
	})
}

// readResult loads the worker's completion artifact. Anything unreadable
// collapses to a retriable failure with a distinguished summary.
func readResult(path string) Result {
	var res Result
	if err := fsutil.ReadJSON(path, &res); err != nil {
		summary := "worker exited without a result artifact"
		if !os.IsNotExist(err) {
			summary = "worker result artifact unreadable: " + err.Error()
		}
		return Result{Status: ResultFailure, Summary: summary, Retriable: true}
	}
	switch res.Status {
	case ResultSuccess, ResultFailure, ResultBlocked:
		return res
	default:
		return Result{
			Status:    ResultFailure,
			Summary:   fmt.Sprintf("worker reported unknown status %q", res.Status),
			Retriable: true,
		}
	}
}

// applyResult advances the machine from running according to the worker's
// verdict and returns the resulting state.
func (s *Service) applyResult(taskID string, wt *worktree.Worktree, res Result) State {
	artifact := &Artifact{
		Summary:       res.Summary,
		WorktreePath:  wt.Path,
		Branch:        res.Branch,
		CommitSHA:     res.CommitSHA,
		PRURL:         res.PRURL,
		ChecksSummary: res.ChecksSummary,
	}
	if artifact.Branch == "" {
		artifact.Branch = wt.Branch
	}

	switch res.Status {
	case ResultSuccess:
		t, err := s.advance(taskID, StateDone, EventCompleted, res.Summary, res.Details, func(t *Task) {
			t.Artifact = artifact
		})
		if err != nil || t == nil {
			return StateFailed
		}
		return t.State

	case ResultBlocked:
		t, err := s.advance(taskID, StateBlocked, EventBlocked, res.Summary, res.Details, func(t *Task) {
			t.Artifact = artifact
		})
		if err != nil || t == nil {
			return StateFailed
		}
		return t.State

	default: // failure
		s.mu.Lock()
		t, ok := s.tasks[taskID]
		retriable := ok && res.Retriable && t.RetryCount < t.MaxRetries
		s.mu.Unlock()
		if !ok {
			return StateFailed
		}
		if retriable {
			next, err := s.advance(taskID, StateQueued, EventRetried, res.Summary, res.Details, func(t *Task) {
				t.RetryCount++
				t.Artifact = artifact
			})
			if err != nil || next == nil {
				return StateFailed
			}
			return next.State
		}
		next, err := s.advance(taskID, StateFailed, EventFailed, res.Summary, res.Details, func(t *Task) {
			t.EscalationRequired = true
			t.Artifact = artifact
		})
		if err != nil || next == nil {
			return StateFailed
		}
		return next.State
	}
}

// fail handles errors outside the normal result path: allocation errors,
// vanished registrations, unstartable sessions. The machine has no edge out
// of queued for failures, so a still-queued task passes through running
// first to keep the event log honest. wt may be nil when no worktree exists.
func (s *Service) fail(taskID, summary string, retriable bool, wt *worktree.Worktree) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	queued := ok && t.State == StateQueued
	s.mu.Unlock()
	if !ok {
		return
	}
	if queued {
		if _, err := s.advance(taskID, StateRunning, EventStarted, "worker startup", nil, nil); err != nil {
			return
		}
	}

	res := Result{Status: ResultFailure, Summary: summary, Retriable: retriable}
	if wt != nil {
		finalState := s.applyResult(taskID, wt, res)
		decision := worker.ShouldCleanup(string(finalState), worker.CleanupPolicy{
			AutoCleanup:          s.cfg.Worker.AutoCleanup,
			FailedRetentionHours: s.cfg.Worker.FailedRetentionHours,
		})
		if decision.Cleanup || finalState == StateQueued {
			if err := s.worktrees.Destroy(context.Background(), wt.Path); err != nil {
				s.log.WithError(err).Warn("worktree cleanup failed", zap.String("path", wt.Path))
			}
		}
		return
	}

	s.mu.Lock()
	t, ok = s.tasks[taskID]
	retry := ok && retriable && t.RetryCount < t.MaxRetries
	s.mu.Unlock()
	if !ok {
		return
	}
	if retry {
		_, _ = s.advance(taskID, StateQueued, EventRetried, summary, nil, func(t *Task) { t.RetryCount++ })
		return
	}
	_, _ = s.advance(taskID, StateFailed, EventFailed, summary, nil, func(t *Task) { t.EscalationRequired = true })
}

// SubmitRequest is one task submission.
type SubmitRequest struct {
	Text         string   `json:"text"`
	RepoID       string   `json:"repoId,omitempty"`
	SessionKey   string   `json:"sessionKey,omitempty"`
	Source       Source   `json:"source,omitempty"`
	ParentTaskID string   `json:"parentTaskId,omitempty"`
	Fanout       []string `json:"fanout,omitempty"`
}

// SubmitTask validates and enqueues a task. With fanout entries it creates
// one child per entry and returns the parent with children populated.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (*Task, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, apperrors.ValidationError("text", "task text is required")
	}
	source := req.Source
	if source == "" {
		source = SourceOperator
	}

	s.mu.Lock()
	repo, err := s.resolveRepoLocked(req.RepoID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	parent := s.newTaskLocked(text, repo.ID, req.SessionKey, source, req.ParentTaskID)
	created := []*Task{parent}
	for _, entry := range req.Fanout {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		child := s.newTaskLocked(entry, repo.ID, req.SessionKey, source, parent.ID)
		parent.Children = append(parent.Children, child.ID)
		created = append(created, child)
	}
	if err := s.store.SaveTasks(s.tasks); err != nil {
		for _, t := range created {
			delete(s.tasks, t.ID)
		}
		s.mu.Unlock()
		return nil, apperrors.Wrap(err, "persist task snapshot")
	}
	clone := parent.Clone()
	clones := make([]*Task, 0, len(created))
	for _, t := range created {
		clones = append(clones, t.Clone())
	}
	s.mu.Unlock()

	for _, t := range clones {
		s.publish(ctx, events.TaskCreated+"."+t.ID, events.TaskCreated, map[string]any{
			"taskId": t.ID,
			"repoId": t.RepoID,
			"source": string(t.Source),
		})
		s.appendSessionLog(t, "submitted")
	}
	s.Wake()
	return clone, nil
}

func (s *Service) newTaskLocked(text, repoID, sessionKey string, source Source, parentID string) *Task {
	now := time.Now().UTC()
	id := uuid.NewString()
	t := &Task{
		ID:               id,
		State:            StateQueued,
		Source:           source,
		Text:             text,
		RepoID:           repoID,
		SessionKey:       sessionKey,
		WorkerSessionKey: worker.SessionName(s.cfg.Worker.SessionPrefix, repoID, id, text),
		MaxRetries:       s.cfg.Task.MaxRetries,
		ParentTaskID:     parentID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Events: []TaskEvent{{
			At:      now,
			Kind:    EventSubmitted,
			Message: "task submitted",
			Details: map[string]string{"source": string(source)},
		}},
	}
	s.tasks[id] = t
	return t
}

func (s *Service) resolveRepoLocked(repoID string) (*RepoRegistration, error) {
	if repoID != "" {
		repo, ok := s.repos[repoID]
		if !ok {
			return nil, apperrors.NotFound("repo", repoID)
		}
		return repo, nil
	}
	for _, repo := range s.repos {
		if repo.IsDefault {
			return repo, nil
		}
	}
	return nil, apperrors.New(apperrors.CodeNoRepoRegistered,
		"no repository registered and no repoId provided", http.StatusConflict)
}

// Cancel stops a task. Queued and blocked tasks cancel immediately; running
// tasks get their session killed and are given cancelTimeout to exit, after
// which the task fails with a cancel_timeout event. Terminal tasks no-op.
func (s *Service) Cancel(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.State.Terminal() {
		clone := t.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	if t.State != StateRunning {
		s.mu.Unlock()
		return s.advance(taskID, StateCancelled, EventCancelled, "cancelled before start", nil, nil)
	}
	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	sessionName := t.WorkerSessionKey
	_ = s.store.SaveTasks(s.tasks)
	s.mu.Unlock()

	if err := s.runner.Kill(ctx, sessionName); err != nil {
		s.log.WithError(err).Warn("cancel: session kill failed", zap.String("session", sessionName))
	}
	if err := s.runner.WaitForExit(ctx, sessionName, s.cfg.Task.CancelTimeout()); err != nil {
		_, _ = s.advance(taskID, StateFailed, EventCancelTimeout,
			"worker session did not exit within cancel timeout", nil,
			func(t *Task) { t.EscalationRequired = true })
		return nil, apperrors.New(apperrors.CodeCancelTimeout,
			"worker session did not exit within cancel timeout", http.StatusGatewayTimeout)
	}
	return s.settleCancel(taskID, "cancelled by request")
}

// settleCancel moves a non-terminal task to cancelled. The worker supervisor
// and Cancel both call it after the session exits; whichever runs second
// finds the task already terminal and returns it unchanged.
func (s *Service) settleCancel(taskID, message string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.State.Terminal() {
		clone := t.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()

	next, err := s.advance(taskID, StateCancelled, EventCancelled, message, nil, nil)
	if apperrors.IsCode(err, apperrors.CodeInvalidTransition) {
		s.mu.Lock()
		if t, ok := s.tasks[taskID]; ok && t.State.Terminal() {
			clone := t.Clone()
			s.mu.Unlock()
			return clone, nil
		}
		s.mu.Unlock()
	}
	return next, err
}

// Unblock returns a blocked task to the queue.
func (s *Service) Unblock(ctx context.Context, taskID string) (*Task, error) {
	t, err := s.advance(taskID, StateQueued, EventUnblocked, "unblocked by operator", nil, nil)
	if err != nil {
		return nil, err
	}
	s.Wake()
	return t, nil
}

// Get returns a copy of the task.
func (s *Service) Get(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t.Clone(), nil
}

// List returns tasks, optionally filtered by state, ordered by createdAt.
func (s *Service) List(state State) []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if state != "" && t.State != state {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// advance validates and applies one transition, persists the snapshot, then
// runs the side effects (events, session log, archive, notification) outside
// the lock. mutate, when non-nil, adjusts task fields before the transition
// is recorded.
func (s *Service) advance(taskID string, to State, kind, message string, details map[string]string, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("task", taskID)
	}
	if !canTransition(t.State, to) {
		err := rejectTransition(t, to, fmt.Sprintf("illegal transition %s -> %s", t.State, to))
		_ = s.store.SaveTasks(s.tasks)
		clone := t.Clone()
		s.mu.Unlock()
		s.publish(context.Background(), events.TaskTransitionRejected+"."+taskID, events.TaskTransitionRejected, map[string]any{
			"taskId": taskID,
			"from":   string(clone.State),
			"to":     string(to),
		})
		return nil, err
	}
	from := t.State
	if mutate != nil {
		mutate(t)
	}
	applyTransition(t, to, kind, message, details)
	if err := s.store.SaveTasks(s.tasks); err != nil {
		s.log.WithError(err).Error("persist task snapshot failed", zap.String("taskId", taskID))
	}
	clone := t.Clone()
	s.mu.Unlock()

	s.afterTransition(from, clone, kind, message)
	return clone, nil
}

func (s *Service) afterTransition(from State, t *Task, kind, message string) {
	ctx := context.Background()
	s.publish(ctx, events.BuildTaskStateSubject(t.ID), events.TaskStateChanged, map[string]any{
		"taskId": t.ID,
		"from":   string(from),
		"to":     string(t.State),
		"kind":   kind,
	})
	s.appendSessionLog(t, kind)

	if !t.State.Terminal() {
		return
	}
	if t.EscalationRequired {
		s.publish(ctx, events.BuildTaskEscalatedSubject(t.ID), events.TaskEscalated, map[string]any{
			"taskId": t.ID,
			"reason": message,
		})
	}
	if s.archive != nil {
		if err := s.archive.Put(ctx, t); err != nil {
			s.log.WithError(err).Warn("archive write failed", zap.String("taskId", t.ID))
		}
	}
	s.notifyTerminal(t)
}

// notifyTerminal enqueues an outbound notification through the durable
// outbox, keyed task.<id>.<state> so redeliveries deduplicate.
func (s *Service) notifyTerminal(t *Task) {
	if s.notifier == nil {
		return
	}
	n := transport.Notification{
		TaskID: t.ID,
		RepoID: t.RepoID,
		State:  string(t.State),
		Text:   stringutil.TruncateStringWithEllipsis(t.Text, notifyTextMax),
	}
	if t.Artifact != nil {
		n.Summary = t.Artifact.Summary
		n.PRURL = t.Artifact.PRURL
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	key := fmt.Sprintf("task.%s.%s", t.ID, t.State)
	if _, _, err := s.notifier.Enqueue(key, payload); err != nil {
		s.log.WithError(err).Warn("notification enqueue failed", zap.String("taskId", t.ID))
	}
}

func (s *Service) appendSessionLog(t *Task, kind string) {
	if s.sessions == nil || t.SessionKey == "" {
		return
	}
	entry := map[string]any{
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
		"taskId": t.ID,
		"kind":   kind,
		"state":  string(t.State),
	}
	if err := s.sessions.AppendLine(t.SessionKey, "log.jsonl", entry); err != nil {
		s.log.WithError(err).Warn("session log append failed", zap.String("sessionKey", t.SessionKey))
	}
}

func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		s.log.WithError(err).Debug("event publish failed", zap.String("subject", subject))
	}
}
