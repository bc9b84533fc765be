package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/logger"
)

// ProcRunner runs workers as direct pty-attached child processes. It exists
// for environments without tmux and preserves the Runner contract: sessions
// are named, detached from the daemon's terminal, and poll-able for exit.
// Children are tracked in-process only; a daemon restart orphans them, which
// matches the tmux runner's behavior after a tmux server restart.
type ProcRunner struct {
	logger *logger.Logger
	poll   time.Duration

	mu       sync.Mutex
	sessions map[string]*procSession
}

type procSession struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
}

// NewProcRunner creates a Runner backed by direct child processes.
func NewProcRunner(log *logger.Logger) *ProcRunner {
	return &ProcRunner{
		logger:   log.WithComponent("worker.proc"),
		poll:     defaultPollInterval,
		sessions: make(map[string]*procSession),
	}
}

func (r *ProcRunner) Start(ctx context.Context, name, dir, command string, env map[string]string) error {
	if err := r.Kill(ctx, name); err != nil {
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty session %s: %w", name, err)
	}

	sess := &procSession{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	r.mu.Lock()
	r.sessions[name] = sess
	r.mu.Unlock()

	// Drain the pty so the child never blocks on a full output buffer, and
	// reap it when it exits.
	go func() {
		_, _ = io.Copy(io.Discard, ptmx)
		_ = cmd.Wait()
		_ = ptmx.Close()
		close(sess.done)
	}()

	r.logger.Debug("worker process started",
		zap.String("session", name),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (r *ProcRunner) get(name string) *procSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[name]
}

func (r *ProcRunner) Has(_ context.Context, name string) (bool, error) {
	sess := r.get(name)
	if sess == nil {
		return false, nil
	}
	select {
	case <-sess.done:
		r.mu.Lock()
		if r.sessions[name] == sess {
			delete(r.sessions, name)
		}
		r.mu.Unlock()
		return false, nil
	default:
		return true, nil
	}
}

func (r *ProcRunner) Kill(_ context.Context, name string) error {
	sess := r.get(name)
	if sess == nil {
		return nil
	}
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	<-sess.done

	r.mu.Lock()
	if r.sessions[name] == sess {
		delete(r.sessions, name)
	}
	r.mu.Unlock()
	return nil
}

func (r *ProcRunner) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	// Filter out sessions that exited since the last liveness check.
	live := names[:0]
	for _, name := range names {
		alive, _ := r.Has(ctx, name)
		if alive {
			live = append(live, name)
		}
	}
	sort.Strings(live)
	return live, nil
}

func (r *ProcRunner) WaitForExit(ctx context.Context, name string, timeout time.Duration) error {
	sess := r.get(name)
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, name, timeout)
	}
}
