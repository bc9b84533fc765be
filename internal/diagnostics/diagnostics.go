// Package diagnostics captures support snapshots of the daemon's state and
// hosts the health probes the doctor command runs.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaydev/relayd/internal/bridge"
	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/orchestrator"
	"github.com/relaydev/relayd/internal/outbox"
	"github.com/relaydev/relayd/internal/release"
)

const redacted = "(redacted)"

// Deps are the components a snapshot covers. Any of them may be nil; the
// corresponding file is skipped.
type Deps struct {
	Config       *config.Config
	Log          *logger.Logger
	Orchestrator *orchestrator.Service
	Releases     *release.Manager
	Bridge       *bridge.Bridge
	Notifier     *outbox.Supervisor
}

// Writer produces timestamped snapshot directories under
// DATA_DIR/diagnostics.
type Writer struct {
	deps      Deps
	log       *logger.Logger
	startedAt time.Time
}

func NewWriter(deps Deps) *Writer {
	return &Writer{
		deps:      deps,
		log:       deps.Log.WithComponent("diagnostics"),
		startedAt: time.Now().UTC(),
	}
}

// Write captures one snapshot and returns its directory.
func (w *Writer) Write(ctx context.Context) (string, error) {
	dir := filepath.Join(w.deps.Config.DiagnosticsDir(),
		time.Now().UTC().Format("20060102T150405Z"))
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}

	if w.deps.Orchestrator != nil {
		if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "health.json"),
			w.deps.Orchestrator.GetHealthStatus(ctx)); err != nil {
			return "", err
		}
		if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "tasks.json"),
			map[string]any{"tasks": w.deps.Orchestrator.List("")}); err != nil {
			return "", err
		}
	}
	if w.deps.Notifier != nil {
		if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "outbox.json"), map[string]any{
			"health":  w.deps.Notifier.Health(),
			"records": w.deps.Notifier.Records(),
		}); err != nil {
			return "", err
		}
	}
	if w.deps.Bridge != nil {
		if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "bridge.json"), map[string]any{
			"health":  w.deps.Bridge.Health(),
			"records": w.deps.Bridge.Records(),
		}); err != nil {
			return "", err
		}
	}
	if w.deps.Releases != nil {
		releases, err := w.deps.Releases.List()
		if err != nil {
			releases = nil
		}
		current, _ := w.deps.Releases.Current()
		previous, _ := w.deps.Releases.Previous()
		if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "releases.json"), map[string]any{
			"releases": releases,
			"current":  current,
			"previous": previous,
		}); err != nil {
			return "", err
		}
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "runtime.json"), map[string]any{
		"goVersion":  runtime.Version(),
		"goOS":       runtime.GOOS,
		"goArch":     runtime.GOARCH,
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
		"startedAt":  w.startedAt,
		"uptime":     time.Since(w.startedAt).String(),
	}); err != nil {
		return "", err
	}

	if err := w.writeConfigYAML(filepath.Join(dir, "config.yaml")); err != nil {
		return "", err
	}

	w.log.Info("diagnostics snapshot written")
	return dir, nil
}

// writeConfigYAML dumps the effective configuration with secrets blanked.
func (w *Writer) writeConfigYAML(path string) error {
	cfg := *w.deps.Config
	if cfg.Control.AuthToken != "" {
		cfg.Control.AuthToken = redacted
	}
	if cfg.Bridge.SharedSecret != "" {
		cfg.Bridge.SharedSecret = redacted
	}
	if cfg.Archive.Postgres.Password != "" {
		cfg.Archive.Postgres.Password = redacted
	}
	if cfg.Transport.Slack.WebhookURL != "" {
		cfg.Transport.Slack.WebhookURL = redacted
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
