package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/tmux"
)

// ErrWaitTimeout is returned when a session outlives the wait deadline.
var ErrWaitTimeout = errors.New("timed out waiting for session exit")

// defaultPollInterval is how often WaitForExit re-checks session liveness.
const defaultPollInterval = 500 * time.Millisecond

// Runner starts and supervises detached worker sessions. Implementations:
// tmux sessions (default) and direct pty-attached children for environments
// without tmux. The contract is identical either way: Start replaces any
// session with the same name, Kill tolerates absence, and WaitForExit polls
// until the session is gone.
type Runner interface {
	// Start kills any existing session with the same name, then creates a
	// detached session running command in dir with env exported into it.
	Start(ctx context.Context, name, dir, command string, env map[string]string) error

	// Has reports whether a live session with this exact name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Kill terminates the named session. Missing sessions are not an error.
	Kill(ctx context.Context, name string) error

	// List returns the names of all live sessions.
	List(ctx context.Context) ([]string, error)

	// WaitForExit blocks until the session is gone or the timeout elapses,
	// in which case it returns ErrWaitTimeout.
	WaitForExit(ctx context.Context, name string, timeout time.Duration) error
}

// TmuxRunner runs workers inside detached tmux sessions.
type TmuxRunner struct {
	tmux   *tmux.Tmux
	logger *logger.Logger
	poll   time.Duration
}

// NewTmuxRunner creates a Runner backed by the given tmux binary.
func NewTmuxRunner(tmuxBinary string, log *logger.Logger) *TmuxRunner {
	return &TmuxRunner{
		tmux:   tmux.New(tmuxBinary),
		logger: log.WithComponent("worker.tmux"),
		poll:   defaultPollInterval,
	}
}

// Available reports whether the tmux binary can be invoked.
func (r *TmuxRunner) Available() bool {
	return r.tmux.IsAvailable()
}

func (r *TmuxRunner) Start(ctx context.Context, name, dir, command string, env map[string]string) error {
	// A stale session with the same name means a previous run of this task;
	// replace it rather than failing with "duplicate session".
	if err := r.tmux.KillSession(ctx, name); err != nil {
		return fmt.Errorf("kill existing session %s: %w", name, err)
	}
	if err := r.tmux.NewSessionWithCommand(ctx, name, dir, command, env); err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	r.logger.Debug("worker session started", zap.String("session", name), zap.String("dir", dir))
	return nil
}

func (r *TmuxRunner) Has(ctx context.Context, name string) (bool, error) {
	return r.tmux.HasSession(ctx, name)
}

func (r *TmuxRunner) Kill(ctx context.Context, name string) error {
	return r.tmux.KillSession(ctx, name)
}

func (r *TmuxRunner) List(ctx context.Context) ([]string, error) {
	return r.tmux.ListSessions(ctx)
}

func (r *TmuxRunner) WaitForExit(ctx context.Context, name string, timeout time.Duration) error {
	return pollForExit(ctx, r, name, timeout, r.poll)
}

// pollForExit is shared by both runners: check liveness every interval until
// the session disappears or the deadline passes.
func pollForExit(ctx context.Context, r Runner, name string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		alive, err := r.Has(ctx, name)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
