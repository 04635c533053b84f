// Package infra implements infrastructure concerns (locks, processes, IPC-independent storage).
package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chenkeao/popup-ai/internal/domain"
)

// RuntimeDir returns the directory that holds the runtime files.
// Order: explicit override, $XDG_RUNTIME_DIR, /tmp/runtime-<uid>.
func RuntimeDir(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("runtime-%d", os.Getuid()))
}

// PathsFor derives the runtime file paths of appID under dir.
// It does not touch the filesystem.
func PathsFor(dir, appID string) domain.Paths {
	return domain.Paths{
		RuntimeDir: dir,
		PIDFile:    filepath.Join(dir, appID+".pid"),
		LockFile:   filepath.Join(dir, appID+".lock"),
		LogFile:    filepath.Join(dir, appID+".log"),
	}
}

// ResolvePaths resolves the runtime directory, creates it (0700) and
// returns the paths of appID. Failing to create the directory is fatal
// for the caller: no coordination is possible without it.
func ResolvePaths(appID, override string) (domain.Paths, error) {
	dir := RuntimeDir(override)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return domain.Paths{}, fmt.Errorf("failed to create runtime directory %s: %w", dir, err)
	}
	return PathsFor(dir, appID), nil
}
