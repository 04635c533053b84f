package daemon

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// DefaultQueueSize is the number of work items a MainLoop buffers before
// Post blocks and TryPost fails.
const DefaultQueueSize = 64

var (
	// ErrLoopStopped is returned by TryPost once Run has returned.
	ErrLoopStopped = errors.New("main loop stopped")
	// ErrLoopBusy is returned by TryPost when the queue is full.
	ErrLoopBusy = errors.New("main loop queue is full")
)

// MainLoop runs posted work items one at a time on a single OS thread,
// the way a GUI toolkit's main loop does. Presenter calls must only
// happen from work items.
type MainLoop struct {
	queue chan func()
	done  chan struct{}
	tid   atomic.Int64 // OS thread of the running loop, 0 when stopped
}

// NewMainLoop creates a loop buffering size items.
func NewMainLoop(size int) *MainLoop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MainLoop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn for execution on the loop. It returns false if the loop
// has already stopped. Posted items are never cancelled.
func (l *MainLoop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// TryPost queues fn without blocking. Callers that must not stall, such
// as bus handlers, use it instead of Post.
func (l *MainLoop) TryPost(fn func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrLoopBusy
	}
}

// InLoop reports whether the caller runs on the loop thread.
func (l *MainLoop) InLoop() bool {
	tid := l.tid.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

// Run executes work items until ctx is done. The calling goroutine is
// locked to its OS thread for the duration. Run must be called once.
func (l *MainLoop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.tid.Store(int64(unix.Gettid()))
	defer func() {
		l.tid.Store(0)
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Done is closed once Run returns.
func (l *MainLoop) Done() <-chan struct{} {
	return l.done
}
