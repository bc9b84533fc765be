// Package events provides event types and utilities for the relayd event system.
package events

// Event types for tasks
const (
	TaskCreated            = "task.created"
	TaskStateChanged       = "task.state_changed"
	TaskEscalated          = "task.escalated"
	TaskTransitionRejected = "task.transition_rejected"
)

// Event types for repository registrations
const (
	RepoRegistered = "repo.registered"
)

// Event types for worker sessions
const (
	WorkerSessionStarted = "worker.session_started"
	WorkerSessionExited  = "worker.session_exited"
	WorkerCleanup        = "worker.cleanup"
)

// Event types for releases
const (
	ReleaseCreated    = "release.created"
	ReleaseActivated  = "release.activated"
	ReleaseRolledBack = "release.rolled_back"
)

// Event types for durable dispatch
const (
	OutboxPoisoned = "outbox.poisoned"
	BridgeAccepted = "bridge.accepted"
)

// BuildTaskStateSubject creates a state-change subject for a specific task
func BuildTaskStateSubject(taskID string) string {
	return TaskStateChanged + "." + taskID
}

// BuildTaskStateWildcardSubject creates a wildcard subscription for all task state changes
func BuildTaskStateWildcardSubject() string {
	return TaskStateChanged + ".*"
}

// BuildTaskEscalatedSubject creates an escalation subject for a specific task
func BuildTaskEscalatedSubject(taskID string) string {
	return TaskEscalated + "." + taskID
}

// BuildTaskEscalatedWildcardSubject creates a wildcard subscription for all task escalations
func BuildTaskEscalatedWildcardSubject() string {
	return TaskEscalated + ".*"
}

// BuildWorkerStartedSubject creates a session-started subject for a specific task
func BuildWorkerStartedSubject(taskID string) string {
	return WorkerSessionStarted + "." + taskID
}

// BuildWorkerStartedWildcardSubject creates a wildcard subscription for all session starts
func BuildWorkerStartedWildcardSubject() string {
	return WorkerSessionStarted + ".*"
}

// BuildWorkerExitedSubject creates a session-exited subject for a specific task
func BuildWorkerExitedSubject(taskID string) string {
	return WorkerSessionExited + "." + taskID
}

// BuildWorkerExitedWildcardSubject creates a wildcard subscription for all session exits
func BuildWorkerExitedWildcardSubject() string {
	return WorkerSessionExited + ".*"
}
