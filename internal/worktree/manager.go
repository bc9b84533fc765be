// Package worktree materializes isolated per-task git checkouts under a
// configured root. Each task gets a deterministic branch and directory;
// creation is idempotent (an existing branch or directory is removed and
// recreated) and destruction releases the branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/common/stringutil"
)

// Sentinel errors surfaced by the manager.
var (
	ErrRepoNotGit       = errors.New("repository path is not a git repository")
	ErrInvalidBaseRef   = errors.New("base ref does not exist")
	ErrGitCommandFailed = errors.New("git command failed")
)

const branchSlugMax = 48

// Config holds configuration for the worktree manager.
type Config struct {
	// RootDir is the directory that holds every task checkout.
	RootDir string

	// BranchPrefix is prepended to the task slug to form branch names.
	// Default: relayd/
	BranchPrefix string
}

// Worktree describes a materialized checkout.
type Worktree struct {
	TaskID    string    `json:"taskId"`
	RepoID    string    `json:"repoId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	BaseRef   string    `json:"baseRef"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateRequest contains the parameters for creating a worktree.
type CreateRequest struct {
	// TaskID is the unique task identifier (required).
	TaskID string

	// RepoID is the registration id of the repository (required).
	RepoID string

	// RepoPath is the local path to the main repository (required).
	RepoPath string

	// BaseRef is the ref the new branch starts from, typically the
	// registration's default branch (required).
	BaseRef string
}

// Validate validates the create request.
func (r *CreateRequest) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if r.RepoPath == "" {
		return ErrRepoNotGit
	}
	if r.BaseRef == "" {
		return ErrInvalidBaseRef
	}
	return nil
}

// StaleWorktree describes a checkout older than the requested horizon.
type StaleWorktree struct {
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Manager handles git worktree operations for concurrent task execution.
// Locks are in-process only; nothing is held across restarts.
type Manager struct {
	config     Config
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the root directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("worktree root dir is required")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "relayd/"
	}
	if log == nil {
		log = logger.Default()
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// BranchName returns the deterministic branch for a task.
func (m *Manager) BranchName(taskID string) string {
	return m.config.BranchPrefix + stringutil.Slug(taskID, "task", branchSlugMax)
}

// WorktreePath returns the deterministic checkout directory for a task,
// nested under its repository id.
func (m *Manager) WorktreePath(repoID, taskID string) string {
	return filepath.Join(m.config.RootDir,
		stringutil.Slug(repoID, "repo", branchSlugMax),
		stringutil.Slug(taskID, "task", branchSlugMax))
}

// Create materializes a checkout for the request. An existing directory or
// branch from a previous attempt is removed first, so repeated calls for the
// same task converge on a fresh checkout.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !m.isGitRepo(req.RepoPath) {
		return nil, ErrRepoNotGit
	}
	if !m.refExists(req.RepoPath, req.BaseRef) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseRef, req.BaseRef)
	}

	repoLock := m.getRepoLock(req.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	worktreePath := m.WorktreePath(req.RepoID, req.TaskID)
	branch := m.BranchName(req.TaskID)

	// Idempotent recreate: drop any leftover checkout and branch.
	if _, err := os.Stat(worktreePath); err == nil {
		m.logger.Info("removing existing worktree before recreate",
			zap.String("task_id", req.TaskID),
			zap.String("path", worktreePath))
		if err := m.removeWorktreeDir(ctx, worktreePath, req.RepoPath); err != nil {
			return nil, fmt.Errorf("failed to remove stale worktree: %w", err)
		}
	}
	m.deleteBranch(ctx, req.RepoPath, branch)

	// git worktree add -b <branch> <path> <base-ref>
	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branch,
		worktreePath,
		req.BaseRef)
	cmd.Dir = req.RepoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		// A branch that survived deletion (checked out elsewhere) is reused.
		if strings.Contains(string(output), "already exists") {
			cmd = exec.CommandContext(ctx, "git", "worktree", "add",
				worktreePath,
				branch)
			cmd.Dir = req.RepoPath
			output, err = cmd.CombinedOutput()
		}
		if err != nil {
			m.logger.Error("git worktree add failed",
				zap.String("output", string(output)),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
		}
	}

	wt := &Worktree{
		TaskID:    req.TaskID,
		RepoID:    req.RepoID,
		Path:      worktreePath,
		Branch:    branch,
		BaseRef:   req.BaseRef,
		CreatedAt: time.Now().UTC(),
	}

	m.logger.Info("created worktree",
		zap.String("task_id", req.TaskID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	return wt, nil
}

// Destroy removes the checkout at path and deletes its branch. The owning
// repository is resolved from the checkout itself, so callers only need the
// path.
func (m *Manager) Destroy(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("worktree path is required")
	}

	branch := m.currentBranch(ctx, path)
	repoPath := m.mainRepoPath(ctx, path)

	if repoPath != "" {
		repoLock := m.getRepoLock(repoPath)
		repoLock.Lock()
		defer repoLock.Unlock()
	}

	if err := m.removeWorktreeDir(ctx, path, repoPath); err != nil {
		return err
	}

	if branch != "" && repoPath != "" {
		m.deleteBranch(ctx, repoPath, branch)
	}

	m.logger.Info("destroyed worktree",
		zap.String("path", path),
		zap.String("branch", branch))

	return nil
}

// ListStale returns checkouts whose directory mtime is older than age.
// Checkouts live one level below the root, grouped by repository id.
func (m *Manager) ListStale(age time.Duration) ([]StaleWorktree, error) {
	repoDirs, err := os.ReadDir(m.config.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worktree root: %w", err)
	}

	horizon := time.Now().Add(-age)
	var stale []StaleWorktree
	for _, repoDir := range repoDirs {
		if !repoDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.config.RootDir, repoDir.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(horizon) {
				stale = append(stale, StaleWorktree{
					Path:       filepath.Join(m.config.RootDir, repoDir.Name(), entry.Name()),
					ModifiedAt: info.ModTime(),
				})
			}
		}
	}
	return stale, nil
}

// IsValid checks if a worktree directory is valid and usable.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file (not a directory) containing "gitdir: ...".
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// isGitRepo checks if a path is a git repository.
func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// refExists checks if a ref resolves in the repository.
func (m *Manager) refExists(repoPath, ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// currentBranch returns the branch checked out at path, or "".
func (m *Manager) currentBranch(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// mainRepoPath resolves the main repository owning the checkout at path.
func (m *Manager) mainRepoPath(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--path-format=absolute", "--git-common-dir")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	gitDir := strings.TrimSpace(string(out))
	if gitDir == "" {
		return ""
	}
	return filepath.Dir(gitDir)
}

// deleteBranch force-deletes a branch, tolerating absence.
func (m *Manager) deleteBranch(ctx context.Context, repoPath, branch string) {
	cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		if !strings.Contains(string(output), "not found") {
			m.logger.Debug("branch delete skipped",
				zap.String("branch", branch),
				zap.String("output", strings.TrimSpace(string(output))))
		}
	}
}

// removeWorktreeDir removes a checkout using git worktree remove, falling
// back to direct removal plus prune.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	if repoPath != "" {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err == nil {
			return nil
		} else {
			m.logger.Debug("git worktree remove failed, falling back to rm",
				zap.String("output", strings.TrimSpace(string(output))),
				zap.Error(err))
		}
	}

	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("failed to remove worktree dir: %w", err)
	}

	if repoPath != "" {
		// Prune stale worktree entries
		cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		_ = cmd.Run()
	}
	return nil
}
