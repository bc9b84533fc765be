// Package orchestrator owns the task state machine: it accepts submissions,
// allocates per-task worktrees, launches worker sessions, advances tasks to
// terminal state, and escalates when automated retry is exhausted.
package orchestrator

import (
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateBlocked   State = "blocked"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Source identifies where a submission came from.
type Source string

const (
	SourceTransport Source = "transport"
	SourceWebhook   Source = "webhook"
	SourceOperator  Source = "operator"
	SourceSystem    Source = "system"
)

// TaskEvent is one entry in a task's append-only audit trail.
type TaskEvent struct {
	At      time.Time         `json:"at"`
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Artifact summarizes what the worker produced.
type Artifact struct {
	Summary       string `json:"summary"`
	WorktreePath  string `json:"worktreePath,omitempty"`
	Branch        string `json:"branch,omitempty"`
	CommitSHA     string `json:"commitSha,omitempty"`
	PRURL         string `json:"prUrl,omitempty"`
	ChecksSummary string `json:"checksSummary,omitempty"`
}

// Task is the central entity of the orchestrator.
type Task struct {
	ID                 string      `json:"id"`
	State              State       `json:"state"`
	Source             Source      `json:"source"`
	Text               string      `json:"text"`
	RepoID             string      `json:"repoId"`
	SessionKey         string      `json:"sessionKey,omitempty"`
	WorkerSessionKey   string      `json:"workerSessionKey"`
	RetryCount         int         `json:"retryCount"`
	MaxRetries         int         `json:"maxRetries"`
	EscalationRequired bool        `json:"escalationRequired"`
	CancelRequested    bool        `json:"cancelRequested"`
	Artifact           *Artifact   `json:"artifact,omitempty"`
	Children           []string    `json:"children,omitempty"`
	ParentTaskID       string      `json:"parentTaskId,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	StartedAt          *time.Time  `json:"startedAt,omitempty"`
	FinishedAt         *time.Time  `json:"finishedAt,omitempty"`
	Events             []TaskEvent `json:"events"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	c := *t
	if t.Artifact != nil {
		a := *t.Artifact
		c.Artifact = &a
	}
	c.Children = append([]string(nil), t.Children...)
	c.Events = make([]TaskEvent, len(t.Events))
	for i, ev := range t.Events {
		c.Events[i] = ev
		if ev.Details != nil {
			d := make(map[string]string, len(ev.Details))
			for k, v := range ev.Details {
				d[k] = v
			}
			c.Events[i].Details = d
		}
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.FinishedAt != nil {
		ft := *t.FinishedAt
		c.FinishedAt = &ft
	}
	return &c
}

// RepoRegistration describes one registered source repository.
type RepoRegistration struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	DefaultBranch string    `json:"defaultBranch"`
	Remote        string    `json:"remote,omitempty"`
	IsDefault     bool      `json:"isDefault"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ResultStatus is the worker's verdict in its result artifact.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultBlocked ResultStatus = "blocked"
)

// ResultArtifactName is the fixed worker completion convention: after the
// session exits, the orchestrator reads this JSON file from the worktree
// root to learn the outcome.
const ResultArtifactName = ".task-result.json"

// Result is the worker's completion artifact.
type Result struct {
	Status        ResultStatus      `json:"status"`
	Summary       string            `json:"summary"`
	Retriable     bool              `json:"retriable,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	CommitSHA     string            `json:"commitSha,omitempty"`
	PRURL         string            `json:"prUrl,omitempty"`
	ChecksSummary string            `json:"checksSummary,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}
