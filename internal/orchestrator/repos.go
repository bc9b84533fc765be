package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/events"
)

// RegisterRepoRequest registers one local repository for task execution.
type RegisterRepoRequest struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Remote        string `json:"remote,omitempty"`
	Default       bool   `json:"default,omitempty"`
}

// RegisterRepo validates and persists a repository registration. The first
// registration always becomes the default.
func (s *Service) RegisterRepo(ctx context.Context, req RegisterRepoRequest) (*RepoRegistration, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, apperrors.ValidationError("id", "repo id is required")
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return nil, apperrors.ValidationError("path", "repo path is required")
	}
	path, err := fsutil.ExpandPath(path)
	if err != nil {
		return nil, apperrors.Wrap(err, "expand repo path")
	}
	if info, err := os.Stat(filepath.Join(path, ".git")); err != nil || !info.IsDir() {
		return nil, apperrors.ValidationError("path", "repo path is not a git repository: "+path)
	}
	branch := strings.TrimSpace(req.DefaultBranch)
	if branch == "" {
		branch = "main"
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if _, exists := s.repos[id]; exists {
		s.mu.Unlock()
		return nil, apperrors.Conflict(apperrors.CodeConflict, "repo already registered: "+id)
	}
	repo := &RepoRegistration{
		ID:            id,
		Path:          path,
		DefaultBranch: branch,
		Remote:        strings.TrimSpace(req.Remote),
		IsDefault:     req.Default || len(s.repos) == 0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if repo.IsDefault {
		for _, other := range s.repos {
			other.IsDefault = false
		}
	}
	s.repos[id] = repo
	if err := s.store.SaveRepos(s.repos); err != nil {
		delete(s.repos, id)
		s.mu.Unlock()
		return nil, apperrors.Wrap(err, "persist repo registry")
	}
	clone := *repo
	s.mu.Unlock()

	s.publish(ctx, events.RepoRegistered+"."+id, events.RepoRegistered, map[string]any{
		"repoId":  id,
		"path":    path,
		"default": clone.IsDefault,
	})
	return &clone, nil
}

// ListRepos returns all registrations ordered by id.
func (s *Service) ListRepos() []*RepoRegistration {
	s.mu.Lock()
	out := make([]*RepoRegistration, 0, len(s.repos))
	for _, r := range s.repos {
		clone := *r
		out = append(out, &clone)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDefaultRepo marks one registration as the default, clearing any other.
func (s *Service) SetDefaultRepo(ctx context.Context, id string) (*RepoRegistration, error) {
	s.mu.Lock()
	repo, ok := s.repos[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("repo", id)
	}
	for _, other := range s.repos {
		other.IsDefault = other.ID == id
		other.UpdatedAt = time.Now().UTC()
	}
	if err := s.store.SaveRepos(s.repos); err != nil {
		s.mu.Unlock()
		return nil, apperrors.Wrap(err, "persist repo registry")
	}
	clone := *repo
	s.mu.Unlock()
	return &clone, nil
}
