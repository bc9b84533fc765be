// Package session implements the filesystem-backed session namespace.
// Each session key maps to a directory named by its SHA-1 hex digest and
// holds append-only JSONL files plus a state blob:
//
//	{root}/{sha1(key)}/context.jsonl
//	{root}/{sha1(key)}/log.jsonl
//	{root}/{sha1(key)}/state.json
//	{root}/aliases.json
package session

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
)

// Well-known per-session files.
const (
	ContextFile = "context.jsonl"
	LogFile     = "log.jsonl"
	StateFile   = "state.json"

	aliasesFile = "aliases.json"
)

var (
	segmentSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	aliasPattern     = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)
)

// AliasEntry maps a human-friendly alias to a session key.
type AliasEntry struct {
	Alias      string    `json:"alias"`
	SessionKey string    `json:"sessionKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store provides session-scoped JSONL appends, state blobs and the alias map.
type Store struct {
	root   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates a Store rooted at root, creating the directory if needed.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// Dir returns the directory backing the given session key.
func (s *Store) Dir(key string) string {
	return filepath.Join(s.root, hashKey(key))
}

// hashKey derives the directory name for a session key. Keys are opaque and
// may contain anything, so they are hashed rather than sanitized.
func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// sanitizeSegment replaces every character outside [A-Za-z0-9._-] with "_".
func sanitizeSegment(segment string) string {
	return segmentSanitizer.ReplaceAllString(segment, "_")
}

func (s *Store) filePath(key, file string) (string, error) {
	if key == "" {
		return "", apperrors.ValidationError("sessionKey", "session key is required")
	}
	clean := sanitizeSegment(file)
	if clean == "" {
		return "", apperrors.ValidationError("file", "file name is required")
	}
	return filepath.Join(s.Dir(key), clean), nil
}

// AppendLine marshals value as a single JSON line and appends it to the named
// file. The line is written with one write call so concurrent appenders never
// interleave partial lines.
func (s *Store) AppendLine(key, file string, value any) error {
	path, err := s.filePath(key, file)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append line: %w", err)
	}

	return nil
}

// ReadJSONLines returns the last limit valid JSON lines of the named file, in
// append order. Lines that fail to parse are dropped without surfacing an
// error. limit <= 0 returns all valid lines. A missing file reads as empty.
func (s *Store) ReadJSONLines(key, file string, limit int) ([]json.RawMessage, error) {
	path, err := s.filePath(key, file)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	// Large buffer for long lines (worker log payloads can be big)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			s.logger.Debug("skipping invalid JSON line",
				zap.String("file", filepath.Base(path)))
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// WriteState stores the session state blob, replacing any previous state.
func (s *Store) WriteState(key string, state any) error {
	path, err := s.filePath(key, StateFile)
	if err != nil {
		return err
	}
	return fsutil.WriteJSONAtomic(path, state)
}

// ReadState loads the session state blob into out. Returns an error for
// which os.IsNotExist is true when no state has been written.
func (s *Store) ReadState(key string, out any) error {
	path, err := s.filePath(key, StateFile)
	if err != nil {
		return err
	}
	return fsutil.ReadJSON(path, out)
}

// ClearSessionData removes the context and log files for a session. Removal
// is best effort: missing files are fine and other failures are logged, not
// returned.
func (s *Store) ClearSessionData(key string) error {
	if key == "" {
		return apperrors.ValidationError("sessionKey", "session key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, file := range []string{ContextFile, LogFile} {
		path := filepath.Join(s.Dir(key), file)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove session file",
				zap.String("file", file),
				zap.Error(err))
		}
	}
	return nil
}

// Aliases reads the alias map. A missing, unparseable or non-object file
// reads as an empty map.
func (s *Store) Aliases() (map[string]AliasEntry, error) {
	path := filepath.Join(s.root, aliasesFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AliasEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read aliases: %w", err)
	}

	aliases := map[string]AliasEntry{}
	if err := json.Unmarshal(data, &aliases); err != nil {
		s.logger.Warn("alias map unreadable, treating as empty", zap.Error(err))
		return map[string]AliasEntry{}, nil
	}
	return aliases, nil
}

// WriteAliases replaces the alias map atomically.
func (s *Store) WriteAliases(aliases map[string]AliasEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteJSONAtomic(filepath.Join(s.root, aliasesFile), aliases)
}

// NormalizeAlias trims and lowercases an alias, validating it against
// ^[a-z0-9._-]{1,64}$.
func NormalizeAlias(alias string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(alias))
	if !aliasPattern.MatchString(normalized) {
		return "", apperrors.ValidationError("alias",
			"alias must match ^[a-z0-9._-]{1,64}$ after trim and lowercase")
	}
	return normalized, nil
}

// SetAlias validates and upserts an alias for a session key.
func (s *Store) SetAlias(alias, sessionKey string) (AliasEntry, error) {
	if sessionKey == "" {
		return AliasEntry{}, apperrors.ValidationError("sessionKey", "session key is required")
	}
	normalized, err := NormalizeAlias(alias)
	if err != nil {
		return AliasEntry{}, err
	}

	aliases, err := s.Aliases()
	if err != nil {
		return AliasEntry{}, err
	}

	entry := AliasEntry{
		Alias:      normalized,
		SessionKey: sessionKey,
		CreatedAt:  time.Now().UTC(),
	}
	if existing, ok := aliases[normalized]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	aliases[normalized] = entry

	if err := s.WriteAliases(aliases); err != nil {
		return AliasEntry{}, err
	}
	return entry, nil
}

// ResolveAlias looks up a normalized alias.
func (s *Store) ResolveAlias(alias string) (AliasEntry, bool, error) {
	normalized, err := NormalizeAlias(alias)
	if err != nil {
		return AliasEntry{}, false, err
	}
	aliases, err := s.Aliases()
	if err != nil {
		return AliasEntry{}, false, err
	}
	entry, ok := aliases[normalized]
	return entry, ok, nil
}

// RemoveAlias deletes an alias if present.
func (s *Store) RemoveAlias(alias string) error {
	normalized, err := NormalizeAlias(alias)
	if err != nil {
		return err
	}
	aliases, err := s.Aliases()
	if err != nil {
		return err
	}
	if _, ok := aliases[normalized]; !ok {
		return nil
	}
	delete(aliases, normalized)
	return s.WriteAliases(aliases)
}
