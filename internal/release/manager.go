// Package release manages content-addressed snapshots of a source directory
// with atomic symlink activation, rollback, and manifest-verified integrity.
//
// Layout under the release root:
//
//	releases/<sha>/                     immutable snapshot content
//	releases/<sha>/release-manifest.json
//	releases/<sha>/release-info.json
//	current, previous                   relative symlinks into releases/
package release

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
)

const (
	releasesDirName = "releases"
	manifestName    = "release-manifest.json"
	infoName        = "release-info.json"
	shaLen          = 12
)

// Sentinel errors.
var (
	ErrReleaseNotFound = errors.New("release not found")
	ErrNoCurrent       = errors.New("no current release")
)

// First path segments excluded from snapshots.
var excludedSegments = map[string]bool{
	".git":         true,
	"node_modules": true,
	".DS_Store":    true,
}

// Manifest maps each snapshot-relative path to its SHA-256 hex digest.
type Manifest struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Files       map[string]string `json:"files"`
}

// Info describes one snapshot.
type Info struct {
	SHA          string    `json:"sha"`
	SourceDir    string    `json:"sourceDir"`
	CreatedAt    time.Time `json:"createdAt"`
	ManifestFile string    `json:"manifestFile"`
}

// IntegrityMode controls how integrity failures are classified.
type IntegrityMode string

const (
	IntegrityOff    IntegrityMode = "off"
	IntegrityWarn   IntegrityMode = "warn"
	IntegrityStrict IntegrityMode = "strict"
)

// IntegrityResult is the outcome of verifying the current release against
// its manifest.
type IntegrityResult struct {
	OK         bool     `json:"ok"`
	Checked    int      `json:"checked"`
	Missing    []string `json:"missing"`
	Mismatches []string `json:"mismatches"`
}

// Manager owns the releases tree and both symlinks. All operations are
// serialized by one mutex: snapshots, swaps, and checks never overlap.
type Manager struct {
	root   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewManager creates a release manager rooted at root, creating the
// releases/ directory if needed.
func NewManager(root string, log *logger.Logger) (*Manager, error) {
	expanded, err := fsutil.ExpandPath(root)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Join(expanded, releasesDirName)); err != nil {
		return nil, fmt.Errorf("create releases dir: %w", err)
	}
	return &Manager{root: expanded, logger: log.WithComponent("release")}, nil
}

// Root returns the release root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) releaseDir(sha string) string {
	return filepath.Join(m.root, releasesDirName, sha)
}

// CreateSnapshot copies sourceDir into releases/<sha>/, hashes every file,
// and writes the manifest and info documents. The sha is derived from the
// source path and wall clock so back-to-back snapshots of the same tree get
// distinct identifiers.
func (m *Manager) CreateSnapshot(ctx context.Context, sourceDir string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sourceDir, err := fsutil.ExpandPath(sourceDir)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(sourceDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("source dir %s: not a directory", sourceDir)
	}

	now := time.Now().UTC()
	sum := sha1.Sum([]byte(sourceDir + now.Format(time.RFC3339Nano)))
	sha := hex.EncodeToString(sum[:])[:shaLen]

	destDir := m.releaseDir(sha)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create release dir: %w", err)
	}

	if err := m.copySnapshot(ctx, sourceDir, destDir); err != nil {
		_ = os.RemoveAll(destDir)
		return nil, err
	}

	files, err := m.hashSnapshot(ctx, destDir)
	if err != nil {
		_ = os.RemoveAll(destDir)
		return nil, err
	}

	manifest := Manifest{GeneratedAt: now, Files: files}
	if err := fsutil.WriteJSONAtomic(filepath.Join(destDir, manifestName), manifest); err != nil {
		_ = os.RemoveAll(destDir)
		return nil, err
	}

	info := Info{SHA: sha, SourceDir: sourceDir, CreatedAt: now, ManifestFile: manifestName}
	if err := fsutil.WriteJSONAtomic(filepath.Join(destDir, infoName), info); err != nil {
		_ = os.RemoveAll(destDir)
		return nil, err
	}

	m.logger.Info("snapshot created",
		zap.String("sha", sha),
		zap.String("source", sourceDir),
		zap.Int("files", len(files)))
	return &info, nil
}

// copySnapshot copies sourceDir into destDir, skipping excluded top-level
// segments and symlinks.
func (m *Manager) copySnapshot(ctx context.Context, sourceDir, destDir string) error {
	return filepath.Walk(sourceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if excludedSegments[first] {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(destDir, rel)
		switch {
		case fi.IsDir():
			return os.MkdirAll(target, 0o755)
		case fi.Mode().IsRegular():
			return fsutil.CopyFile(path, target, fi.Mode().Perm())
		default:
			return nil
		}
	})
}

// hashSnapshot computes SHA-256 for every regular file under destDir.
func (m *Manager) hashSnapshot(ctx context.Context, destDir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.Walk(destDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(destDir, path)
		if err != nil {
			return err
		}
		digest, err := fsutil.FileSHA256(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Activate points current at releases/<sha>. When a current release existed,
// previous is pointed at it. Readers opening the links mid-swap see either
// the old or the new target, never a missing link: the new link is created
// under a temporary sibling name and renamed over the final one.
func (m *Manager) Activate(sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activateLocked(sha)
}

func (m *Manager) activateLocked(sha string) error {
	if _, err := os.Stat(m.releaseDir(sha)); err != nil {
		return fmt.Errorf("%w: %s", ErrReleaseNotFound, sha)
	}

	oldTarget, _ := m.readLink("current")

	newTarget := filepath.Join(releasesDirName, sha)
	if err := m.swapLink("current", newTarget); err != nil {
		return err
	}
	if oldTarget != "" && oldTarget != newTarget {
		if err := m.swapLink("previous", oldTarget); err != nil {
			return err
		}
	}

	m.logger.Info("release activated",
		zap.String("sha", sha),
		zap.String("previous", oldTarget))
	return nil
}

// swapLink atomically replaces the named symlink with one pointing at
// target (relative to the release root).
func (m *Manager) swapLink(name, target string) error {
	link := filepath.Join(m.root, name)
	tmp := fmt.Sprintf("%s.tmp-%d", link, time.Now().UnixNano())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap %s link: %w", name, err)
	}
	return nil
}

// readLink returns the relative target of the named symlink, or an error if
// it does not exist.
func (m *Manager) readLink(name string) (string, error) {
	target, err := os.Readlink(filepath.Join(m.root, name))
	if err != nil {
		return "", err
	}
	return target, nil
}

// shaOfTarget extracts the release sha from a link target like "releases/<sha>".
func shaOfTarget(target string) string {
	return filepath.Base(filepath.ToSlash(target))
}

// Current returns the sha of the active release, or ErrNoCurrent.
func (m *Manager) Current() (string, error) {
	target, err := m.readLink("current")
	if err != nil {
		return "", ErrNoCurrent
	}
	return shaOfTarget(target), nil
}

// Previous returns the sha of the previously active release, if any.
func (m *Manager) Previous() (string, error) {
	target, err := m.readLink("previous")
	if err != nil {
		return "", fmt.Errorf("no previous release")
	}
	return shaOfTarget(target), nil
}

// Rollback re-activates an earlier release. target "previous" (or empty)
// swaps current and previous; an explicit sha re-runs activation for it.
func (m *Manager) Rollback(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == "" || target == "previous" {
		prevTarget, err := m.readLink("previous")
		if err != nil {
			return apperrors.New(apperrors.CodeNoPreviousRelease, "no previous release to roll back to", http.StatusConflict)
		}
		return m.activateLocked(shaOfTarget(prevTarget))
	}
	return m.activateLocked(target)
}

// IntegrityCheck verifies the current release's files against its manifest.
// Mode off skips all I/O. Warn reports problems but still returns ok; strict
// returns ok only when everything matches. An absent current link or
// manifest is reported via a sentinel entry in missing.
func (m *Manager) IntegrityCheck(mode IntegrityMode) IntegrityResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := IntegrityResult{OK: true, Missing: []string{}, Mismatches: []string{}}
	if mode == IntegrityOff || mode == "" {
		return res
	}

	currentTarget, err := m.readLink("current")
	if err != nil {
		res.Missing = append(res.Missing, "current")
		res.OK = mode != IntegrityStrict
		return res
	}
	releaseDir := filepath.Join(m.root, currentTarget)

	var manifest Manifest
	if err := fsutil.ReadJSON(filepath.Join(releaseDir, manifestName), &manifest); err != nil {
		res.Missing = append(res.Missing, manifestName)
		res.OK = mode != IntegrityStrict
		return res
	}

	paths := make([]string, 0, len(manifest.Files))
	for p := range manifest.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		want := manifest.Files[rel]
		path := filepath.Join(releaseDir, filepath.FromSlash(rel))
		got, err := fsutil.FileSHA256(path)
		if err != nil {
			res.Missing = append(res.Missing, rel)
			continue
		}
		res.Checked++
		if got != want {
			res.Mismatches = append(res.Mismatches, rel)
		}
	}

	clean := len(res.Missing) == 0 && len(res.Mismatches) == 0
	res.OK = clean || mode == IntegrityWarn
	if !clean {
		m.logger.Warn("integrity check found problems",
			zap.Strings("missing", res.Missing),
			zap.Strings("mismatches", res.Mismatches))
	}
	return res
}

// List returns the info documents of every snapshot on disk, newest first.
func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(m.root, releasesDirName))
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var info Info
		if err := fsutil.ReadJSON(filepath.Join(m.releaseDir(e.Name()), infoName), &info); err != nil {
			// Half-written snapshot from a crash; skip it.
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}
