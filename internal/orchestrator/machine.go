package orchestrator

import (
	"net/http"
	"time"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
)

// Transition event kinds. Each legal transition appends exactly one event of
// the matching kind; rejected transitions append transition_rejected without
// changing state.
const (
	EventSubmitted          = "submitted"
	EventStarted            = "started"
	EventCompleted          = "completed"
	EventRetried            = "retried"
	EventFailed             = "failed"
	EventBlocked            = "blocked"
	EventUnblocked          = "unblocked"
	EventCancelled          = "cancelled"
	EventCancelTimeout      = "cancel_timeout"
	EventTransitionRejected = "transition_rejected"
)

// legalTransitions is the directed graph from the state machine. Terminal
// states have no outgoing edges.
var legalTransitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateDone, StateQueued, StateFailed, StateBlocked, StateCancelled},
	StateBlocked: {StateQueued, StateCancelled},
}

// canTransition reports whether from -> to is an edge of the machine.
func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// applyTransition moves the task to the target state, stamping timestamps
// and appending the audit event. The caller must hold the service lock and
// must have validated the edge.
func applyTransition(t *Task, to State, kind, message string, details map[string]string) {
	now := time.Now().UTC()
	from := t.State
	t.State = to
	t.UpdatedAt = now
	if from == StateQueued && to == StateRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() && t.FinishedAt == nil {
		t.FinishedAt = &now
	}
	t.Events = append(t.Events, TaskEvent{At: now, Kind: kind, Message: message, Details: details})
}

// rejectTransition records an illegal transition attempt on the task without
// mutating its state.
func rejectTransition(t *Task, to State, reason string) *apperrors.AppError {
	now := time.Now().UTC()
	t.Events = append(t.Events, TaskEvent{
		At:      now,
		Kind:    EventTransitionRejected,
		Message: reason,
		Details: map[string]string{"from": string(t.State), "to": string(to)},
	})
	t.UpdatedAt = now
	return apperrors.New(apperrors.CodeInvalidTransition, reason, http.StatusConflict).
		WithDetail("from", string(t.State)).
		WithDetail("to", string(to))
}
