// Package engine builds the command that runs inside a worker session. The
// mock engine is a deterministic shell snippet that writes a success result
// artifact; the process engine wraps a user-supplied command. Both modes see
// the task through RELAYD_* environment variables.
package engine

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
)

// Environment variable names exported into every worker session.
const (
	EnvTaskID     = "RELAYD_TASK_ID"
	EnvTaskText   = "RELAYD_TASK_TEXT"
	EnvRepoID     = "RELAYD_REPO_ID"
	EnvResultPath = "RELAYD_RESULT_PATH"
	EnvAutoCommit = "RELAYD_AUTO_COMMIT"
	EnvAutoPR     = "RELAYD_AUTO_PR"
)

// Spec describes one worker invocation.
type Spec struct {
	TaskID     string
	TaskText   string
	RepoID     string
	ResultPath string
	AutoCommit bool
	AutoPR     bool
}

// Engine resolves worker commands for a configured mode.
type Engine struct {
	mode    string
	command string
}

func New(cfg config.EngineConfig) *Engine {
	return &Engine{mode: cfg.Mode, command: cfg.Command}
}

func (e *Engine) Mode() string { return e.mode }

// Command returns the shell command to run for spec, or an error when the
// process mode has no command configured.
func (e *Engine) Command(spec Spec) (string, error) {
	if e.mode == "process" {
		if e.command == "" {
			return "", apperrors.New(apperrors.CodeMissingEngineCommand,
				"engine.mode is \"process\" but engine.command is empty", http.StatusInternalServerError)
		}
		return e.command, nil
	}
	return mockCommand(), nil
}

// Env returns the environment exported into the worker session.
func (e *Engine) Env(spec Spec) map[string]string {
	return map[string]string{
		EnvTaskID:     spec.TaskID,
		EnvTaskText:   spec.TaskText,
		EnvRepoID:     spec.RepoID,
		EnvResultPath: spec.ResultPath,
		EnvAutoCommit: strconv.FormatBool(spec.AutoCommit),
		EnvAutoPR:     strconv.FormatBool(spec.AutoPR),
	}
}

// mockCommand echoes the task and writes a success artifact at the result
// path. It is deliberately tiny so tests can run real sessions against it.
func mockCommand() string {
	return fmt.Sprintf(
		`echo "mock engine: $%s"; printf '{"status":"success","summary":"mock engine completed: %%s"}' "$%s" > "$%s"`,
		EnvTaskText, EnvTaskText, EnvResultPath)
}
