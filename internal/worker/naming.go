// Package worker launches and supervises the detached terminal sessions that
// host task workers: deterministic session naming, a Runner abstraction over
// tmux or direct pty children, and the post-terminal cleanup policy.
package worker

import (
	"github.com/relaydev/relayd/internal/common/stringutil"
)

// DefaultSessionPrefix is used when no prefix is configured.
const DefaultSessionPrefix = "dev-agent"

const (
	repoSlugMax = 24
	todoSlugMax = 24
	idSlugMax   = 12
	idSuffixLen = 8
)

// SessionName derives the deterministic worker session name for a task:
// "<prefix>-<repoSlug>-<todoSlug>-<idSuffix>". The name is stable for the
// lifetime of the task and collision-resistant enough for human-readable ops.
func SessionName(prefix, repoID, taskID, taskText string) string {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	repoSlug := stringutil.Slug(repoID, "repo", repoSlugMax)
	todoSlug := stringutil.Slug(taskText, stringutil.Slug(taskID, "task", 16), todoSlugMax)

	idSlug := stringutil.Slug(taskID, "task", idSlugMax)
	suffix := idSlug
	if len(suffix) > idSuffixLen {
		suffix = suffix[len(suffix)-idSuffixLen:]
	}

	return prefix + "-" + repoSlug + "-" + todoSlug + "-" + suffix
}
