package worker

import "fmt"

// CleanupPolicy configures what happens to a worker session and its worktree
// once the owning task reaches a terminal state.
type CleanupPolicy struct {
	AutoCleanup          bool
	FailedRetentionHours int
}

// CleanupDecision is the outcome of the policy for one terminal task.
type CleanupDecision struct {
	Cleanup bool   `json:"cleanup"`
	Reason  string `json:"reason"`
}

// ShouldCleanup decides whether a terminal task's session and worktree are
// removed. Failed and blocked tasks are retained for debugging when a
// retention window is configured; everything else is cleaned up immediately
// unless autocleanup is disabled entirely.
func ShouldCleanup(terminalState string, policy CleanupPolicy) CleanupDecision {
	if !policy.AutoCleanup {
		return CleanupDecision{Cleanup: false, Reason: "autocleanup_disabled"}
	}
	if terminalState == "failed" || terminalState == "blocked" {
		if policy.FailedRetentionHours > 0 {
			return CleanupDecision{
				Cleanup: false,
				Reason:  fmt.Sprintf("retained_for_%dh", policy.FailedRetentionHours),
			}
		}
		return CleanupDecision{Cleanup: true, Reason: "failed_cleanup_immediate"}
	}
	return CleanupDecision{Cleanup: true, Reason: "terminal_cleanup"}
}
