package main

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/daemon"
	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
	"github.com/chenkeao/popup-ai/internal/ipc"
)

// instanceOptions selects how the instance presents itself at startup.
type instanceOptions struct {
	foreground bool
	show       bool
	text       string
}

// runService is the entry point of the re-executed background instance.
func runService(payload string, show bool) error {
	e, err := setup(true)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = e.logger.Sync() }()

	ctx, inst, err := daemon.Attach(context.Background(), e.paths, e.logger)
	if err != nil {
		e.logger.Error("failed to attach", zap.Error(err))
		return fail(err)
	}
	defer inst.Detach()

	return runInstance(ctx, e, inst, instanceOptions{show: show, text: payload})
}

// runForeground runs the instance inside the launcher process. The lock
// covers the liveness re-check and the PID file write.
func runForeground(e *env, payload string) error {
	mgr, err := e.manager()
	if err != nil {
		return fail(err)
	}

	var (
		ctx  context.Context
		inst *daemon.Instance
	)
	lock := infra.NewFileLock(e.paths.LockFile, e.logger)
	ok, err := lock.WithLock(e.cfg.Daemon.LockTimeout.D(), func() error {
		switch mgr.State() {
		case domain.StateRunning:
			return daemon.ErrAlreadyRunning
		case domain.StateUnknown:
			return daemon.ErrPermission
		}
		var aerr error
		ctx, inst, aerr = daemon.Attach(context.Background(), e.paths, e.logger)
		return aerr
	})
	if !ok {
		return fail(daemon.ErrLockBusy)
	}
	if err != nil {
		return fail(err)
	}
	defer inst.Detach()

	return runInstance(ctx, e, inst, instanceOptions{foreground: true, show: true, text: payload})
}

// runInstance wires the shell to its collaborators and runs it until a
// signal arrives.
func runInstance(ctx context.Context, e *env, inst *daemon.Instance, opts instanceOptions) error {
	logger := e.logger.With(zap.Int("pid", inst.PID()))

	var store domain.StateStore
	if e.cfg.State.Enabled {
		s, err := infra.OpenStateStore(e.cfg.StateDir(), logger)
		if err != nil {
			logger.Warn("state store unavailable", zap.Error(err))
		} else {
			defer s.Close()
			store = s
		}
	}

	presenter, closePresenter := newPresenter(e.cfg.Presenter, logger)
	defer closePresenter()

	loop := daemon.NewMainLoop(0)
	shell := daemon.NewShell(daemon.ShellConfig{
		Version:          Version,
		Foreground:       opts.foreground,
		Show:             opts.show,
		InitialText:      opts.text,
		PIDCheckInterval: e.cfg.Daemon.PIDCheckInterval.D(),
		Workers:          e.cfg.Workers.Max,
	}, loop, presenter, store, inst, logger)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		// Lifecycle control still works; forwarding does not.
		logger.Warn("session bus unavailable, running without IPC", zap.Error(err))
	} else {
		defer conn.Close()
		server := ipc.NewServer(conn, e.cfg.IPC, shell, logger)
		if err := server.Register(); err != nil {
			if errors.Is(err, ipc.ErrNameTaken) {
				logger.Error("another instance owns the bus name", zap.Error(err))
				return fail(err)
			}
			logger.Warn("IPC registration failed", zap.Error(err))
		} else {
			defer server.Close()
		}
	}

	go func() {
		err := config.Watch(ctx, e.cfgPath, func(c *config.Config) {
			if verbose {
				return
			}
			lvl := parseLevel(c.Log.Level)
			if lvl != e.level.Level() {
				logger.Info("log level changed", zap.Stringer("level", lvl))
				e.level.SetLevel(lvl)
			}
		}, logger)
		if err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	return shell.Run(ctx)
}

// newPresenter returns the configured presenter and its cleanup.
func newPresenter(cfg config.PresenterConfig, logger *zap.Logger) (domain.Presenter, func()) {
	if len(cfg.Command) > 0 {
		p, err := infra.NewCommandPresenter(cfg.Command, logger)
		if err == nil {
			return p, p.Close
		}
		logger.Warn("invalid presenter command, logging only", zap.Error(err))
	}
	return infra.NewLogPresenter(logger), func() {}
}
