// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/daemon"
	"github.com/chenkeao/popup-ai/internal/domain"
)

// Lifecycle controls the instance. Implemented by daemon.Manager.
type Lifecycle interface {
	State() domain.ProcessState
	GetPID() (int, bool)
	Start(ctx context.Context, args []string) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, args []string) error
}

// Forwarder delivers requests to the running instance. Implemented by
// ipc.Client.
type Forwarder interface {
	WaitForOwner(ctx context.Context) error
	ShowWindow(ctx context.Context, initialText string) error
	Close() error
}

// Dialer opens a Forwarder.
type Dialer func() (Forwarder, error)

// ErrStateUnknown means the PID file names a process we may not probe,
// so neither forwarding nor starting is safe.
var ErrStateUnknown = errors.New("instance state unknown: pid file names a process owned by another user")

// Outcome is what Launch did.
type Outcome int

const (
	// OutcomeForwarded means the request went to the running instance.
	OutcomeForwarded Outcome = iota
	// OutcomeStarted means a new detached instance was started.
	OutcomeStarted
	// OutcomeForeground means the caller should run the instance itself.
	OutcomeForeground
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeStarted:
		return "started"
	case OutcomeForeground:
		return "foreground"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Verb is a lifecycle control command.
type Verb string

const (
	VerbStart   Verb = "start"
	VerbStop    Verb = "stop"
	VerbRestart Verb = "restart"
	VerbStatus  Verb = "status"
)

// Result is the user-facing outcome of a control verb.
type Result struct {
	Message  string
	ExitCode int
	PID      int
}

// ServiceArgs builds the arguments of a detached instance. show makes it
// present a window at startup with payload as its initial text. flags
// are passed through ahead of the payload.
func ServiceArgs(payload string, show bool, flags ...string) []string {
	args := append([]string{"--service"}, flags...)
	if show {
		args = append(args, "--show")
		if payload != "" {
			args = append(args, "--", payload)
		}
	}
	return args
}

// InheritedFlags returns the launcher flags a detached instance must
// share with it so that both resolve the same runtime files. The instance
// runs with cwd "/", so a relative config path is made absolute here.
func InheritedFlags(configPath string, verbose bool) ([]string, error) {
	var flags []string
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		flags = append(flags, "--config", abs)
	}
	if verbose {
		flags = append(flags, "--verbose")
	}
	return flags, nil
}

// Launcher decides, for each invocation, whether to forward to the running
// instance or start a new one. Liveness comes from the PID file only.
type Launcher struct {
	lifecycle Lifecycle
	dial      Dialer
	flags     []string
	logger    *zap.Logger
}

// NewLauncher creates a launcher. flags are passed to every instance it
// starts; see InheritedFlags.
func NewLauncher(lifecycle Lifecycle, dial Dialer, flags []string, logger *zap.Logger) *Launcher {
	return &Launcher{lifecycle: lifecycle, dial: dial, flags: flags, logger: logger}
}

// Launch shows a window with payload. When no instance is alive it starts
// one, or returns OutcomeForeground if foreground is set. A forwarding
// failure is returned as is; it never falls back to starting.
func (l *Launcher) Launch(ctx context.Context, payload string, foreground bool) (Outcome, error) {
	switch st := l.lifecycle.State(); st {
	case domain.StateRunning:
		return OutcomeForwarded, l.forward(ctx, payload)
	case domain.StateUnknown:
		return 0, ErrStateUnknown
	}

	if foreground {
		return OutcomeForeground, nil
	}

	err := l.lifecycle.Start(ctx, ServiceArgs(payload, true, l.flags...))
	switch {
	case err == nil:
		return OutcomeStarted, nil
	case errors.Is(err, daemon.ErrAlreadyRunning):
		// Another launcher won the race under the lock.
		l.logger.Debug("instance appeared while starting, forwarding")
		return OutcomeForwarded, l.forward(ctx, payload)
	default:
		return 0, err
	}
}

func (l *Launcher) forward(ctx context.Context, payload string) error {
	fwd, err := l.dial()
	if err != nil {
		return err
	}
	defer fwd.Close()

	if err := fwd.WaitForOwner(ctx); err != nil {
		return err
	}
	if err := fwd.ShowWindow(ctx, payload); err != nil {
		return err
	}
	l.logger.Debug("request forwarded", zap.Int("text_length", len(payload)))
	return nil
}

// Control runs a lifecycle verb. Expected conditions ("already running",
// "already stopped") are successful results; only real failures are
// returned as errors.
func (l *Launcher) Control(ctx context.Context, verb Verb) (Result, error) {
	switch verb {
	case VerbStart:
		err := l.lifecycle.Start(ctx, ServiceArgs("", false, l.flags...))
		switch {
		case err == nil:
			return l.running("daemon started"), nil
		case errors.Is(err, daemon.ErrAlreadyRunning):
			return l.running("daemon already running"), nil
		default:
			return Result{}, err
		}

	case VerbStop:
		err := l.lifecycle.Stop(ctx)
		switch {
		case err == nil:
			return Result{Message: "daemon stopped"}, nil
		case errors.Is(err, daemon.ErrNotRunning):
			return Result{Message: "daemon already stopped"}, nil
		default:
			return Result{}, err
		}

	case VerbRestart:
		if err := l.lifecycle.Restart(ctx, ServiceArgs("", false, l.flags...)); err != nil {
			return Result{}, err
		}
		return l.running("daemon restarted"), nil

	case VerbStatus:
		return l.status(), nil

	default:
		return Result{}, fmt.Errorf("unknown command %q", verb)
	}
}

func (l *Launcher) running(msg string) Result {
	pid, _ := l.lifecycle.GetPID()
	return Result{Message: fmt.Sprintf("%s (pid %d)", msg, pid), PID: pid}
}

func (l *Launcher) status() Result {
	switch l.lifecycle.State() {
	case domain.StateRunning:
		return l.running("daemon is running")
	case domain.StateUnknown:
		return Result{Message: "daemon state unknown (pid file names a process owned by another user)", ExitCode: 1}
	default:
		return Result{Message: "daemon is not running", ExitCode: 1}
	}
}
