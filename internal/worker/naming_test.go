package worker

import (
	"strings"
	"testing"
)

func TestSessionName(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		repoID   string
		taskID   string
		taskText string
		want     string
	}{
		{
			name:     "plain inputs",
			prefix:   "dev-agent",
			repoID:   "myrepo",
			taskID:   "a1b2c3d4e5f6g7h8",
			taskText: "Fix login bug",
			want:     "dev-agent-myrepo-fix-login-bug-c3d4e5f6",
		},
		{
			name:     "default prefix",
			repoID:   "myrepo",
			taskID:   "t1",
			taskText: "x",
			want:     "dev-agent-myrepo-x-t1",
		},
		{
			name:     "empty text falls back to task id slug",
			prefix:   "dev-agent",
			repoID:   "myrepo",
			taskID:   "abc123def456ghi789",
			taskText: "!!!",
			want:     "dev-agent-myrepo-abc123def456ghi7-23def456",
		},
		{
			name:     "separator runs collapse",
			prefix:   "dev-agent",
			repoID:   "My Repo!!",
			taskID:   "id-1",
			taskText: "  fix -- the   thing  ",
			want:     "dev-agent-my-repo-fix-the-thing-id-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SessionName(tt.prefix, tt.repoID, tt.taskID, tt.taskText)
			if got != tt.want {
				t.Errorf("SessionName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionNameDeterministic(t *testing.T) {
	a := SessionName("dev-agent", "repo", "task-1", "do the thing")
	b := SessionName("dev-agent", "repo", "task-1", "do the thing")
	if a != b {
		t.Fatalf("session names differ: %q vs %q", a, b)
	}
}

func TestSessionNameSlugBounds(t *testing.T) {
	long := strings.Repeat("abcdefghij", 20)
	name := SessionName("dev-agent", long, long, long)
	// prefix + 24 + 24 + 8 + three separators
	if len(name) > len("dev-agent")+24+24+8+3 {
		t.Errorf("session name too long: %d chars: %q", len(name), name)
	}
}
