package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
)

func TestMockCommand(t *testing.T) {
	e := New(config.EngineConfig{Mode: "mock"})

	cmd, err := e.Command(Spec{TaskID: "t1", TaskText: "do things", ResultPath: "/tmp/wt/.task-result.json"})
	require.NoError(t, err)
	assert.Contains(t, cmd, EnvResultPath)
	assert.Contains(t, cmd, `"status":"success"`)
}

func TestProcessCommand(t *testing.T) {
	e := New(config.EngineConfig{Mode: "process", Command: "my-engine --run"})

	cmd, err := e.Command(Spec{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "my-engine --run", cmd)
}

func TestProcessCommand_Missing(t *testing.T) {
	e := New(config.EngineConfig{Mode: "process"})

	_, err := e.Command(Spec{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeMissingEngineCommand, apperrors.CodeOf(err))
}

func TestEnv(t *testing.T) {
	e := New(config.EngineConfig{Mode: "mock"})
	env := e.Env(Spec{
		TaskID:     "t1",
		TaskText:   "fix the login flow",
		RepoID:     "app",
		ResultPath: "/wt/.task-result.json",
		AutoCommit: true,
	})

	assert.Equal(t, "t1", env[EnvTaskID])
	assert.Equal(t, "fix the login flow", env[EnvTaskText])
	assert.Equal(t, "app", env[EnvRepoID])
	assert.Equal(t, "/wt/.task-result.json", env[EnvResultPath])
	assert.Equal(t, "true", env[EnvAutoCommit])
	assert.Equal(t, "false", env[EnvAutoPR])
}
