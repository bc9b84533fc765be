package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// HealthMetrics are the orchestrator's gauge snapshot.
type HealthMetrics struct {
	TotalTasks          int `json:"totalTasks"`
	Queued              int `json:"queued"`
	Running             int `json:"running"`
	Done                int `json:"done"`
	Failed              int `json:"failed"`
	Blocked             int `json:"blocked"`
	Cancelled           int `json:"cancelled"`
	StaleQueued         int `json:"staleQueued"`
	StaleRunning        int `json:"staleRunning"`
	StaleWorktrees      int `json:"staleWorktrees"`
	OrphanedWorkerSlots int `json:"orphanedWorkerSlots"`
}

// HealthStatus is the orchestrator's health report. Status is "ok",
// "degraded" (stale work or orphaned sessions) or "failing" (failures with
// no newer terminal progress inside the failing window).
type HealthStatus struct {
	Status    string        `json:"status"`
	CheckedAt time.Time     `json:"checkedAt"`
	Issues    []string      `json:"issues"`
	Metrics   HealthMetrics `json:"metrics"`
}

// GetHealthStatus probes the task map, the worktree root and the live
// session list and classifies the daemon's condition.
func (s *Service) GetHealthStatus(ctx context.Context) HealthStatus {
	now := time.Now().UTC()
	staleHorizon := s.cfg.Task.StaleHorizon()
	failingWindow := s.cfg.Task.FailingWindow()

	var m HealthMetrics
	runningSessions := make(map[string]struct{})
	var lastFailureAt, lastProgressAt time.Time

	s.mu.Lock()
	m.TotalTasks = len(s.tasks)
	for _, t := range s.tasks {
		switch t.State {
		case StateQueued:
			m.Queued++
			if now.Sub(t.UpdatedAt) > staleHorizon {
				m.StaleQueued++
			}
		case StateRunning:
			m.Running++
			runningSessions[t.WorkerSessionKey] = struct{}{}
			started := t.UpdatedAt
			if t.StartedAt != nil {
				started = *t.StartedAt
			}
			if now.Sub(started) > staleHorizon {
				m.StaleRunning++
			}
		case StateDone:
			m.Done++
			if t.FinishedAt != nil && t.FinishedAt.After(lastProgressAt) {
				lastProgressAt = *t.FinishedAt
			}
		case StateFailed:
			m.Failed++
			if t.FinishedAt != nil && t.FinishedAt.After(lastFailureAt) {
				lastFailureAt = *t.FinishedAt
			}
		case StateBlocked:
			m.Blocked++
		case StateCancelled:
			m.Cancelled++
			if t.FinishedAt != nil && t.FinishedAt.After(lastProgressAt) {
				lastProgressAt = *t.FinishedAt
			}
		}
	}
	s.mu.Unlock()

	if s.worktrees != nil {
		if stale, err := s.worktrees.ListStale(s.cfg.Worktree.StaleAge()); err == nil {
			m.StaleWorktrees = len(stale)
		}
	}
	m.OrphanedWorkerSlots = s.countOrphanedSessions(ctx, runningSessions)

	var issues []string
	if m.StaleQueued > 0 {
		issues = append(issues, fmt.Sprintf("%d queued task(s) older than %s", m.StaleQueued, staleHorizon))
	}
	if m.StaleRunning > 0 {
		issues = append(issues, fmt.Sprintf("%d running task(s) older than %s", m.StaleRunning, staleHorizon))
	}
	if m.StaleWorktrees > 0 {
		issues = append(issues, fmt.Sprintf("%d stale worktree(s)", m.StaleWorktrees))
	}
	if m.OrphanedWorkerSlots > 0 {
		issues = append(issues, fmt.Sprintf("%d worker session(s) with no running task", m.OrphanedWorkerSlots))
	}

	status := "ok"
	if len(issues) > 0 {
		status = "degraded"
	}
	if m.Failed > 0 && lastFailureAt.After(lastProgressAt) && now.Sub(lastFailureAt) <= failingWindow {
		status = "failing"
		issues = append(issues, fmt.Sprintf("%d failed task(s) with no newer terminal progress", m.Failed))
	}

	return HealthStatus{
		Status:    status,
		CheckedAt: now,
		Issues:    issues,
		Metrics:   m,
	}
}

// countOrphanedSessions counts live worker sessions carrying this daemon's
// prefix that do not belong to any running task.
func (s *Service) countOrphanedSessions(ctx context.Context, running map[string]struct{}) int {
	if s.runner == nil {
		return 0
	}
	names, err := s.runner.List(ctx)
	if err != nil {
		return 0
	}
	prefix := s.cfg.Worker.SessionPrefix + "-"
	orphans := 0
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := running[name]; !ok {
			orphans++
		}
	}
	return orphans
}
