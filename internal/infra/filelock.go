package infra

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	// LockRetryInterval is how often a timed Acquire retries.
	LockRetryInterval = 100 * time.Millisecond

	// DefaultLockTimeout bounds scoped acquisition via WithLock.
	DefaultLockTimeout = 5 * time.Second
)

// FileLock is an advisory, exclusive lock on a file path (flock(2)).
// Only cooperating processes honor it.
type FileLock struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	fl *flock.Flock // nil while not held
}

// NewFileLock creates a lock on path. The file is created on first Acquire.
func NewFileLock(path string, logger *zap.Logger) *FileLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLock{path: path, logger: logger}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire takes the lock. With timeout 0 it makes a single non-blocking
// attempt; otherwise it retries every LockRetryInterval until the timeout
// elapses. Any OS error counts as "not acquired".
func (l *FileLock) Acquire(timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fl != nil {
		return true
	}

	fl := flock.New(l.path)

	var locked bool
	var err error
	if timeout <= 0 {
		locked, err = fl.TryLock()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		locked, err = fl.TryLockContext(ctx, LockRetryInterval)
		cancel()
		if err != nil && ctx.Err() != nil {
			// Timed out while busy: an ordinary outcome.
			err = nil
		}
	}

	if err != nil {
		l.logger.Debug("lock attempt failed", zap.String("path", l.path), zap.Error(err))
	}
	if !locked {
		_ = fl.Close()
		return false
	}

	l.fl = fl
	return true
}

// Release unlocks and closes the descriptor. Calling it when the lock is
// not held is a no-op.
func (l *FileLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fl == nil {
		return
	}
	if err := l.fl.Unlock(); err != nil {
		l.logger.Debug("unlock failed", zap.String("path", l.path), zap.Error(err))
	}
	_ = l.fl.Close()
	l.fl = nil
}

// Held reports whether this handle currently owns the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fl != nil
}

// WithLock runs fn while holding the lock, releasing it on every exit
// path. It returns false without calling fn if the lock could not be
// acquired within timeout.
func (l *FileLock) WithLock(timeout time.Duration, fn func() error) (bool, error) {
	if !l.Acquire(timeout) {
		return false, nil
	}
	defer l.Release()
	return true, fn()
}
