package infra

import (
	"errors"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/chenkeao/popup-ai/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Probe sends signal 0 to pid. ESRCH means gone; EPERM means the
// process exists but we may not signal it, which is reported as
// StateUnknown rather than guessed either way.
func (pm *ProcessManagerImpl) Probe(pid int) domain.ProcessState {
	if pid <= 0 {
		return domain.StateNotRunning
	}

	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return domain.StateRunning
	case errors.Is(err, unix.EPERM):
		return domain.StateUnknown
	default:
		return domain.StateNotRunning
	}
}

// Terminate sends SIGTERM to pid.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	return pm.signal(pid, unix.SIGTERM)
}

// Kill sends SIGKILL to pid.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	return pm.signal(pid, unix.SIGKILL)
}

func (pm *ProcessManagerImpl) signal(pid int, sig unix.Signal) error {
	// process.NewProcess reports ErrorProcessNotRunning for a vanished
	// pid; map it to ESRCH so callers only deal with errno values.
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return os.ErrProcessDone
		}
		return err
	}
	if err := p.SendSignal(sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// Describe returns basic information about pid.
func (pm *ProcessManagerImpl) Describe(pid int) (*domain.ProcessInfo, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	info := &domain.ProcessInfo{PID: pid}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if created, err := p.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(created)
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	return info, nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
