package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
)

// Instance is the running side of the daemon: it owns the PID file for
// as long as the process lives.
type Instance struct {
	pid    *infra.PIDFile
	self   int
	logger *zap.Logger
	cancel context.CancelFunc
	sigCh  chan os.Signal
	detach sync.Once

	// mu orders PID file writes against shutdown: once closing is set
	// under mu, the file is never written again.
	mu      sync.Mutex
	closing bool
}

// Attach turns the current process into the daemon instance. It sets the
// umask to 022, writes the PID file and installs SIGTERM/SIGINT handlers
// that remove the PID file and cancel the returned context. A PID file
// naming another live process is never overwritten: Attach returns
// ErrAlreadyRunning, or ErrPermission when that process cannot be probed.
func Attach(ctx context.Context, paths domain.Paths, logger *zap.Logger) (context.Context, *Instance, error) {
	unix.Umask(0o022)

	inst := &Instance{
		pid:    infra.NewPIDFile(paths.PIDFile),
		self:   os.Getpid(),
		logger: logger,
		sigCh:  make(chan os.Signal, 1),
	}
	if err := inst.checkVacant(); err != nil {
		return nil, nil, err
	}
	if err := inst.pid.Write(inst.self); err != nil {
		return nil, nil, fmt.Errorf("failed to write pid file: %w", err)
	}

	ctx, inst.cancel = context.WithCancel(ctx)
	signal.Notify(inst.sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-inst.sigCh:
			logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			inst.release()
			inst.cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("instance attached", zap.Int("pid", inst.self), zap.String("pid_file", paths.PIDFile))
	return ctx, inst, nil
}

// checkVacant fails if the PID file names another process that is alive
// or cannot be probed. Missing, corrupt and stale files are taken over.
func (i *Instance) checkVacant() error {
	pid, err := i.pid.Read()
	if err != nil || pid == i.self {
		return nil
	}
	switch infra.NewProcessManager().Probe(pid) {
	case domain.StateRunning:
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	case domain.StateUnknown:
		return fmt.Errorf("%w (pid %d)", ErrPermission, pid)
	}
	return nil
}

// PID returns the PID recorded by this instance.
func (i *Instance) PID() int {
	return i.self
}

// CheckPIDFile rewrites the PID file if it disappeared while the instance
// is alive. A file naming another process is left alone.
func (i *Instance) CheckPIDFile() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closing {
		return
	}

	pid, err := i.pid.Read()
	switch {
	case err == nil && pid == i.self:
		return
	case err == nil:
		i.logger.Warn("pid file names another process", zap.Int("pid", pid), zap.Int("self", i.self))
		return
	}

	i.logger.Info("pid file missing or unreadable, rewriting", zap.Error(err))
	if err := i.pid.Write(i.self); err != nil {
		i.logger.Error("failed to rewrite pid file", zap.Error(err))
	}
}

// Detach stops signal handling and removes the PID file if it still
// names this process. Safe to call more than once.
func (i *Instance) Detach() {
	i.detach.Do(func() {
		signal.Stop(i.sigCh)
		i.release()
		i.cancel()
		i.logger.Info("instance detached", zap.Int("pid", i.self))
	})
}

// release marks the instance as closing and removes its PID file.
func (i *Instance) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closing = true
	if err := i.pid.RemoveIf(i.self); err != nil {
		i.logger.Warn("failed to remove pid file", zap.Error(err))
	}
}
