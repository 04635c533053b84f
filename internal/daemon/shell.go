package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenkeao/popup-ai/internal/domain"
)

// Activation sources recorded in the state store.
const (
	SourceStartup = "startup"
	SourceIPC     = "ipc"
)

// ShellConfig holds the application shell configuration.
type ShellConfig struct {
	Version          string
	Foreground       bool
	Show             bool   // show a window at startup
	InitialText      string // text of the startup window
	PIDCheckInterval time.Duration
	Workers          int // background workers for state persistence
}

// Shell is the long-running application: it owns the main loop and the
// presenter, accepts ShowWindow requests from IPC and keeps the state
// store informed.
type Shell struct {
	config    ShellConfig
	loop      *MainLoop
	presenter domain.Presenter
	store     domain.StateStore // nil when state is disabled
	instance  *Instance         // nil in tests
	logger    *zap.Logger

	pid     int
	pool    *errgroup.Group
	pending sync.WaitGroup // jobs waiting for a free worker
	ctx     context.Context
}

// NewShell creates a new application shell.
func NewShell(
	config ShellConfig,
	loop *MainLoop,
	presenter domain.Presenter,
	store domain.StateStore,
	instance *Instance,
	logger *zap.Logger,
) *Shell {
	pool := new(errgroup.Group)
	if config.Workers <= 0 {
		config.Workers = 3
	}
	pool.SetLimit(config.Workers)

	pid := 0
	if instance != nil {
		pid = instance.PID()
	}

	return &Shell{
		config:    config,
		loop:      loop,
		presenter: presenter,
		store:     store,
		instance:  instance,
		logger:    logger,
		pid:       pid,
		pool:      pool,
		ctx:       context.Background(),
	}
}

// ShowWindow queues a window for the main loop and returns immediately.
// It is the IPC entry point and may be called from any goroutine. A full
// or stopped loop rejects the request instead of blocking the caller.
func (s *Shell) ShowWindow(req domain.ShowWindowRequest) error {
	if err := s.loop.TryPost(func() { s.present(req.InitialText, SourceIPC) }); err != nil {
		s.logger.Warn("dropping ShowWindow request", zap.Error(err))
		return err
	}
	return nil
}

// Run starts the shell and blocks until ctx is canceled.
func (s *Shell) Run(ctx context.Context) error {
	s.ctx = ctx

	if s.store != nil {
		rec := domain.InstanceRecord{
			PID:        s.pid,
			Version:    s.config.Version,
			Foreground: s.config.Foreground,
			StartedAt:  time.Now(),
		}
		if err := s.store.RecordStart(rec); err != nil {
			s.logger.Warn("failed to record start", zap.Error(err))
		}
	}

	s.logger.Info("shell started",
		zap.Int("pid", s.pid),
		zap.Bool("show", s.config.Show))

	// Service mode stays hidden until asked to show a window.
	if s.config.Show {
		text := s.config.InitialText
		s.loop.Post(func() { s.present(text, SourceStartup) })
	}

	if s.instance != nil && s.config.PIDCheckInterval > 0 {
		go s.watchPIDFile(ctx)
	}

	err := s.loop.Run(ctx)

	s.logger.Info("shell stopping")
	s.pending.Wait()
	if werr := s.pool.Wait(); werr != nil {
		s.logger.Warn("background work failed", zap.Error(werr))
	}
	if s.store != nil {
		if err := s.store.RecordStop(s.pid); err != nil {
			s.logger.Warn("failed to record stop", zap.Error(err))
		}
	}
	return err
}

// watchPIDFile periodically re-checks the PID file from the main loop.
func (s *Shell) watchPIDFile(ctx context.Context) {
	ticker := time.NewTicker(s.config.PIDCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A busy loop skips this tick; the next one retries.
			_ = s.loop.TryPost(s.instance.CheckPIDFile)
		}
	}
}

// present shows a window. Runs on the main loop.
func (s *Shell) present(text, source string) {
	if snap, ok := s.presenter.RunningConversationState(); ok {
		s.persist("save snapshot", func(ctx context.Context) error {
			return s.store.SaveSnapshot(ctx, *snap)
		})
	}

	if err := s.presenter.ShowWindow(text); err != nil {
		s.logger.Error("failed to show window", zap.Error(err))
		return
	}

	a := domain.Activation{
		InstancePID: s.pid,
		Source:      source,
		TextLength:  len(text),
		ReceivedAt:  time.Now(),
	}
	s.persist("record activation", func(ctx context.Context) error {
		return s.store.RecordActivation(ctx, a)
	})
}

// persist runs fn on the worker pool without ever waiting for a worker
// on the main loop. When all workers are busy the job is handed to a
// goroutine that waits for one instead.
func (s *Shell) persist(what string, fn func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	ctx := context.WithoutCancel(s.ctx)
	job := func() error {
		if err := fn(ctx); err != nil {
			s.logger.Warn("failed to "+what, zap.Error(err))
		}
		return nil
	}
	if s.pool.TryGo(job) {
		return
	}

	s.logger.Debug("state workers busy, queueing " + what)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.pool.Go(job)
	}()
}
