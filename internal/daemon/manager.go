// Package daemon manages the lifecycle of the single popup-ai instance:
// starting it detached, probing and stopping it, and running its main loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
)

var (
	// ErrAlreadyRunning is returned by Start when a live instance exists.
	ErrAlreadyRunning = errors.New("daemon is already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("daemon is not running")
	// ErrPermission means the recorded process exists but cannot be
	// signalled by this user.
	ErrPermission = errors.New("daemon process is owned by another user")
	// ErrLockBusy means another lifecycle operation holds the lock.
	ErrLockBusy = errors.New("another lifecycle operation is in progress")
	// ErrStartUnconfirmed means the spawned process did not report itself
	// running in time.
	ErrStartUnconfirmed = errors.New("daemon did not confirm startup")
)

// Options configures a Manager.
type Options struct {
	Paths  domain.Paths
	Config config.DaemonConfig

	// Executable is re-executed by Start. Default: os.Executable().
	Executable string
	// Env is the environment of the spawned process. Default: os.Environ().
	Env []string

	ProcessManager domain.ProcessManager
	Logger         *zap.Logger
}

// Manager controls the instance named by a PID file. All lifecycle
// operations run under the advisory lock on Paths.LockFile, so concurrent
// launchers serialize their check-then-act sequences.
type Manager struct {
	paths  domain.Paths
	cfg    config.DaemonConfig
	exe    string
	env    []string
	pm     domain.ProcessManager
	pid    *infra.PIDFile
	logger *zap.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Paths.PIDFile == "" || opts.Paths.LockFile == "" {
		return nil, errors.New("daemon paths are not set")
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
	}
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	pm := opts.ProcessManager
	if pm == nil {
		pm = infra.NewProcessManager()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Default().Daemon.PollInterval
	}

	return &Manager{
		paths:  opts.Paths,
		cfg:    cfg,
		exe:    exe,
		env:    env,
		pm:     pm,
		pid:    infra.NewPIDFile(opts.Paths.PIDFile),
		logger: logger,
	}, nil
}

// Paths returns the runtime file paths.
func (m *Manager) Paths() domain.Paths {
	return m.paths
}

// inspect reads and probes the PID file. A stale or unreadable file is
// removed and reported as StateStale.
func (m *Manager) inspect() (domain.ProcessState, int) {
	pid, err := m.pid.Read()
	if errors.Is(err, infra.ErrNoPIDFile) {
		return domain.StateNotRunning, 0
	}
	if err != nil {
		m.logger.Info("removing unreadable pid file", zap.String("path", m.pid.Path()), zap.Error(err))
		if err := m.pid.Remove(); err != nil {
			m.logger.Warn("failed to remove pid file", zap.Error(err))
		}
		return domain.StateStale, 0
	}

	switch st := m.pm.Probe(pid); st {
	case domain.StateRunning, domain.StateUnknown:
		return st, pid
	default:
		m.logger.Info("removing stale pid file", zap.Int("pid", pid))
		if err := m.pid.RemoveIf(pid); err != nil {
			m.logger.Warn("failed to remove pid file", zap.Error(err))
		}
		return domain.StateStale, 0
	}
}

// State reports the liveness of the instance. A stale PID file is
// reclaimed and reported as StateNotRunning.
func (m *Manager) State() domain.ProcessState {
	st, _ := m.inspect()
	if st == domain.StateStale {
		return domain.StateNotRunning
	}
	return st
}

// IsRunning reports whether a live instance answered the probe.
// StateUnknown counts as not running.
func (m *Manager) IsRunning() bool {
	return m.State() == domain.StateRunning
}

// GetPID returns the PID of the live instance.
func (m *Manager) GetPID() (int, bool) {
	st, pid := m.inspect()
	if st != domain.StateRunning {
		return 0, false
	}
	return pid, true
}

// withLock runs fn under a fresh handle on the lock file.
func (m *Manager) withLock(fn func() error) error {
	lock := infra.NewFileLock(m.paths.LockFile, m.logger)
	ok, err := lock.WithLock(m.cfg.LockTimeout.D(), fn)
	if !ok {
		return ErrLockBusy
	}
	return err
}

// Start spawns a detached instance running the executable with args and
// waits for it to write its PID file.
func (m *Manager) Start(ctx context.Context, args []string) error {
	return m.withLock(func() error {
		return m.startLocked(ctx, args)
	})
}

func (m *Manager) startLocked(ctx context.Context, args []string) error {
	switch st, pid := m.inspect(); st {
	case domain.StateRunning:
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	case domain.StateUnknown:
		return fmt.Errorf("%w (pid %d)", ErrPermission, pid)
	}

	cmd, err := m.spawn(args)
	if err != nil {
		m.logger.Error("failed to start daemon", zap.Error(err))
		return err
	}

	exited := make(chan struct{})
	go func() {
		// Reap the child if it exits while we are still its parent.
		_ = cmd.Wait()
		close(exited)
	}()

	child := cmd.Process.Pid
	m.logger.Info("daemon spawned", zap.Int("pid", child), zap.Strings("args", args))

	deadline := time.NewTimer(m.cfg.StartConfirm.D())
	defer deadline.Stop()
	poll := time.NewTicker(m.cfg.PollInterval.D())
	defer poll.Stop()

	for {
		if pid, ok := m.GetPID(); ok && pid == child {
			m.logger.Info("daemon started", zap.Int("pid", pid))
			return nil
		}
		select {
		case <-exited:
			m.logger.Error("daemon exited during startup", zap.Int("pid", child))
			return fmt.Errorf("%w: process %d exited", ErrStartUnconfirmed, child)
		case <-deadline.C:
			m.logger.Warn("daemon startup not confirmed", zap.Int("pid", child))
			return fmt.Errorf("%w within %s", ErrStartUnconfirmed, m.cfg.StartConfirm.D())
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
}

// spawn re-executes the binary in a new session with stdin on /dev/null
// and stdout/stderr appended to the log file.
func (m *Manager) spawn(args []string) (*exec.Cmd, error) {
	logFile, err := os.OpenFile(m.paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(m.exe, args...)
	cmd.Dir = "/"
	cmd.Env = m.env
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session, no controlling terminal
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", m.exe, err)
	}
	return cmd, nil
}

// Stop terminates the instance: SIGTERM, then SIGKILL once StopTimeout
// elapses. It returns nil once the process is gone.
func (m *Manager) Stop(ctx context.Context) error {
	return m.withLock(func() error {
		return m.stopLocked(ctx)
	})
}

func (m *Manager) stopLocked(ctx context.Context) error {
	st, pid := m.inspect()
	switch st {
	case domain.StateUnknown:
		return fmt.Errorf("%w (pid %d)", ErrPermission, pid)
	case domain.StateRunning:
	default:
		return ErrNotRunning
	}

	m.logger.Info("stopping daemon", zap.Int("pid", pid))
	if err := m.pm.Terminate(pid); err != nil {
		switch {
		case errors.Is(err, os.ErrProcessDone):
			m.cleanup(pid)
			return nil
		case errors.Is(err, unix.EPERM):
			return fmt.Errorf("%w (pid %d)", ErrPermission, pid)
		default:
			return fmt.Errorf("failed to signal daemon: %w", err)
		}
	}

	if m.waitExit(ctx, pid, m.cfg.StopTimeout.D()) {
		m.logger.Info("daemon stopped", zap.Int("pid", pid))
		m.cleanup(pid)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.logger.Warn("daemon ignored SIGTERM, sending SIGKILL",
		zap.Int("pid", pid),
		zap.Duration("timeout", m.cfg.StopTimeout.D()))
	if err := m.pm.Kill(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	if !m.waitExit(ctx, pid, m.cfg.KillGrace.D()) {
		m.logger.Error("daemon survived SIGKILL", zap.Int("pid", pid))
		return fmt.Errorf("daemon pid %d did not exit after SIGKILL", pid)
	}

	m.logger.Info("daemon killed", zap.Int("pid", pid))
	m.cleanup(pid)
	return nil
}

// waitExit polls until pid is gone or timeout elapses. The last poll lands
// on the deadline rather than up to one interval past it.
func (m *Manager) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.pm.Probe(pid) != domain.StateRunning {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(min(m.cfg.PollInterval.D(), remaining)):
		}
	}
}

// cleanup removes the PID file of a stopped instance. A forcefully killed
// process never ran its own handler.
func (m *Manager) cleanup(pid int) {
	if err := m.pid.RemoveIf(pid); err != nil {
		m.logger.Warn("failed to remove pid file", zap.Error(err))
	}
}

// Restart stops the instance if it runs, waits RestartDelay and starts a
// new one, all under a single lock acquisition.
func (m *Manager) Restart(ctx context.Context, args []string) error {
	return m.withLock(func() error {
		if err := m.stopLocked(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RestartDelay.D()):
		}
		return m.startLocked(ctx, args)
	})
}
