package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/common/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:   t.TempDir(),
		Control:   config.ControlConfig{ListenAddr: "127.0.0.1:7420", AuthToken: "top-secret"},
		Logging:   logger.LoggingConfig{Level: "error", Format: "json"},
		Bridge:    config.BridgeConfig{SharedSecret: "hush", RetryBaseMs: 500, RetryMaxMs: 30000},
		Worker:    config.WorkerConfig{SessionPrefix: "dev-agent", Mode: "proc"},
		Release:   config.ReleaseConfig{StartupIntegrityMode: "warn"},
		Task:      config.TaskConfig{MaxConcurrentWorkers: 1, CancelTimeoutMs: 1000},
		Engine:    config.EngineConfig{Mode: "mock"},
		Archive:   config.ArchiveConfig{Driver: "sqlite"},
		Transport: config.TransportConfig{Kind: "log"},
	}
}

func TestWrite_SnapshotContents(t *testing.T) {
	cfg := testConfig(t)
	log, err := logger.NewLogger(cfg.Logging)
	require.NoError(t, err)

	w := NewWriter(Deps{Config: cfg, Log: log})
	dir, err := w.Write(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"runtime.json", "config.yaml"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	content := string(raw)
	assert.NotContains(t, content, "top-secret")
	assert.NotContains(t, content, "hush")
	assert.Contains(t, content, redacted)
}

func TestRunChecks(t *testing.T) {
	cfg := testConfig(t)

	checks := RunChecks(cfg, nil)
	require.NotEmpty(t, checks)

	byName := make(map[string]Check, len(checks))
	for _, c := range checks {
		byName[c.Name] = c
	}
	assert.True(t, byName["data_dir"].OK)
	assert.Contains(t, byName, "git")
	// Proc mode skips the tmux probe.
	assert.NotContains(t, byName, "tmux")
}

func TestHealthy(t *testing.T) {
	assert.True(t, Healthy([]Check{{OK: true}, {OK: true}}))
	assert.False(t, Healthy([]Check{{OK: true}, {OK: false}}))
	assert.True(t, Healthy(nil))
}
