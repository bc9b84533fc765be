package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/release"
)

// Check is one doctor probe result. Warn marks a failure the daemon would
// start through anyway, such as an integrity mismatch outside strict mode.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Warn   bool   `json:"warn,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// RunChecks probes the environment a daemon would start into. releases may
// be nil when no release root exists yet.
func RunChecks(cfg *config.Config, releases *release.Manager) []Check {
	checks := []Check{
		checkConfig(cfg),
		checkDataDir(cfg),
		checkBinary("git", "git"),
	}
	if cfg.Worker.Mode == "" || cfg.Worker.Mode == "tmux" {
		checks = append(checks, checkBinary("tmux", cfg.Worker.TmuxBinary))
	}
	if releases != nil {
		checks = append(checks, checkReleaseIntegrity(cfg, releases))
	}
	return checks
}

// Healthy reports whether every check passed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func checkConfig(cfg *config.Config) Check {
	if err := config.Validate(cfg); err != nil {
		return Check{Name: "config", OK: false, Detail: err.Error()}
	}
	return Check{Name: "config", OK: true}
}

func checkDataDir(cfg *config.Config) Check {
	dir := cfg.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "data_dir", OK: false, Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: "data_dir", OK: false, Detail: "not writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return Check{Name: "data_dir", OK: true, Detail: dir}
}

func checkBinary(name, binary string) Check {
	if binary == "" {
		binary = name
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return Check{Name: name, OK: false, Detail: fmt.Sprintf("%s not found in PATH", binary)}
	}
	return Check{Name: name, OK: true, Detail: path}
}

func checkReleaseIntegrity(cfg *config.Config, releases *release.Manager) Check {
	mode := release.IntegrityMode(cfg.Release.StartupIntegrityMode)
	res := releases.IntegrityCheck(mode)
	if !res.OK {
		return Check{
			Name: "release_integrity",
			OK:   false,
			Warn: mode != release.IntegrityStrict,
			Detail: fmt.Sprintf("%d missing, %d mismatched of %d checked",
				len(res.Missing), len(res.Mismatches), res.Checked),
		}
	}
	return Check{Name: "release_integrity", OK: true, Detail: fmt.Sprintf("%d files checked", res.Checked)}
}
