package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaydev/relayd/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		RootDir:      t.TempDir(),
		BranchPrefix: "relayd/",
	}, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

func TestNewManager(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "worktrees")
	mgr, err := NewManager(Config{RootDir: root}, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if mgr == nil {
		t.Fatal("expected non-nil manager")
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("expected root dir to be created: %v", err)
	}
	if got := mgr.BranchName("t1"); got != "relayd/t1" {
		t.Errorf("expected default branch prefix, got %q", got)
	}
}

func TestNewManager_RequiresRoot(t *testing.T) {
	if _, err := NewManager(Config{}, newTestLogger()); err == nil {
		t.Error("expected error for empty root dir")
	}
}

func TestBranchName(t *testing.T) {
	mgr := newTestManager(t)

	tests := []struct {
		taskID   string
		expected string
	}{
		{"task-123", "relayd/task-123"},
		{"Task 123!", "relayd/task-123"},
		{"", "relayd/task"},
		{"###", "relayd/task"},
	}

	for _, tt := range tests {
		if got := mgr.BranchName(tt.taskID); got != tt.expected {
			t.Errorf("BranchName(%q) = %q, want %q", tt.taskID, got, tt.expected)
		}
	}

	// Deterministic
	if mgr.BranchName("abc") != mgr.BranchName("abc") {
		t.Error("expected deterministic branch names")
	}
}

func TestWorktreePath(t *testing.T) {
	mgr := newTestManager(t)

	path := mgr.WorktreePath("My App", "My Task")
	if filepath.Base(path) != "my-task" {
		t.Errorf("expected slugged dir name, got %q", filepath.Base(path))
	}
	if filepath.Base(filepath.Dir(path)) != "my-app" {
		t.Errorf("expected repo segment in path, got %q", path)
	}
	if filepath.Dir(filepath.Dir(path)) != mgr.config.RootDir {
		t.Errorf("expected path under root, got %q", path)
	}

	// Blank segments fall back to stable placeholders.
	fallback := mgr.WorktreePath("", "")
	if filepath.Base(fallback) != "task" || filepath.Base(filepath.Dir(fallback)) != "repo" {
		t.Errorf("expected fallback segments, got %q", fallback)
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr bool
	}{
		{"valid", CreateRequest{TaskID: "t1", RepoID: "r1", RepoPath: "/repo", BaseRef: "main"}, false},
		{"missing task", CreateRequest{RepoPath: "/repo", BaseRef: "main"}, true},
		{"missing repo path", CreateRequest{TaskID: "t1", BaseRef: "main"}, true},
		{"missing base ref", CreateRequest{TaskID: "t1", RepoPath: "/repo"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_IsValid(t *testing.T) {
	mgr := newTestManager(t)

	if mgr.IsValid("/nonexistent/path") {
		t.Error("expected false for non-existent path")
	}

	worktreePath := filepath.Join(mgr.config.RootDir, "test-worktree")
	if err := os.MkdirAll(worktreePath, 0o755); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}

	// Without .git file - should be invalid
	if mgr.IsValid(worktreePath) {
		t.Error("expected false for directory without .git file")
	}

	gitFile := filepath.Join(worktreePath, ".git")
	if err := os.WriteFile(gitFile, []byte("gitdir: /some/path/.git/worktrees/test"), 0o644); err != nil {
		t.Fatalf("failed to create .git file: %v", err)
	}

	if !mgr.IsValid(worktreePath) {
		t.Error("expected true for valid worktree directory")
	}
}

func TestListStale(t *testing.T) {
	mgr := newTestManager(t)

	fresh := filepath.Join(mgr.config.RootDir, "app", "fresh")
	old := filepath.Join(mgr.config.RootDir, "app", "old")
	for _, dir := range []string{fresh, old} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}

	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	stale, err := mgr.ListStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale worktree, got %d", len(stale))
	}
	if stale[0].Path != old {
		t.Errorf("expected stale path %q, got %q", old, stale[0].Path)
	}
}

func TestListStale_EmptyRoot(t *testing.T) {
	mgr, err := NewManager(Config{RootDir: filepath.Join(t.TempDir(), "unused")}, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	stale, err := mgr.ListStale(time.Hour)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale worktrees, got %d", len(stale))
	}
}

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "-c", "user.name=test", "-c", "user.email=test@example.com",
		"commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
}

func TestCreateDestroyRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	mgr := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	req := CreateRequest{
		TaskID:   "Task 7",
		RepoID:   "demo",
		RepoPath: repo,
		BaseRef:  "main",
	}

	wt, err := mgr.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if wt.Branch != "relayd/task-7" {
		t.Errorf("expected branch relayd/task-7, got %q", wt.Branch)
	}
	if want := filepath.Join(mgr.config.RootDir, "demo", "task-7"); wt.Path != want {
		t.Errorf("expected checkout at %q, got %q", want, wt.Path)
	}
	if wt.BaseRef != "main" {
		t.Errorf("expected base ref main, got %q", wt.BaseRef)
	}
	if !mgr.IsValid(wt.Path) {
		t.Errorf("expected valid worktree at %q", wt.Path)
	}

	// Idempotent recreate of the same task
	wt2, err := mgr.Create(ctx, req)
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if wt2.Path != wt.Path || wt2.Branch != wt.Branch {
		t.Errorf("expected deterministic path/branch on recreate, got %q %q", wt2.Path, wt2.Branch)
	}
	if !mgr.IsValid(wt2.Path) {
		t.Errorf("expected valid worktree after recreate")
	}

	if err := mgr.Destroy(ctx, wt2.Path); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(wt2.Path); !os.IsNotExist(err) {
		t.Errorf("expected worktree dir removed")
	}

	// Branch is released: the same branch can be created again.
	if !mgr.refExists(repo, "main") {
		t.Fatal("main ref should still exist")
	}
	if mgr.refExists(repo, wt.Branch) {
		t.Errorf("expected branch %q to be deleted", wt.Branch)
	}
}

func TestCreate_InvalidInputs(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	mgr := newTestManager(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	// Not a git repo
	if _, err := mgr.Create(ctx, CreateRequest{
		TaskID: "t1", RepoID: "r1", RepoPath: t.TempDir(), BaseRef: "main",
	}); err == nil {
		t.Error("expected error for non-git repo path")
	}

	// Unknown base ref
	if _, err := mgr.Create(ctx, CreateRequest{
		TaskID: "t1", RepoID: "r1", RepoPath: repo, BaseRef: "does-not-exist",
	}); err == nil {
		t.Error("expected error for unknown base ref")
	}
}
