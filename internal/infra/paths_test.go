package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeDir(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
		assert.Equal(t, "/custom", RuntimeDir("/custom"))
	})

	t.Run("XDG_RUNTIME_DIR", func(t *testing.T) {
		t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
		assert.Equal(t, "/run/user/1000", RuntimeDir(""))
	})

	t.Run("fallback under temp dir", func(t *testing.T) {
		t.Setenv("XDG_RUNTIME_DIR", "")
		dir := RuntimeDir("")
		assert.Equal(t, os.TempDir(), filepath.Dir(dir))
		assert.Contains(t, filepath.Base(dir), "runtime-")
	})
}

func TestPathsFor(t *testing.T) {
	p := PathsFor("/run/user/1000", "popup-ai")

	assert.Equal(t, "/run/user/1000", p.RuntimeDir)
	assert.Equal(t, "/run/user/1000/popup-ai.pid", p.PIDFile)
	assert.Equal(t, "/run/user/1000/popup-ai.lock", p.LockFile)
	assert.Equal(t, "/run/user/1000/popup-ai.log", p.LogFile)
}

func TestResolvePaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "runtime")

	p, err := ResolvePaths("popup-ai", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, p.RuntimeDir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestResolvePaths_Unwritable(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	_, err := ResolvePaths("popup-ai", filepath.Join(blocker, "runtime"))
	assert.ErrorContains(t, err, "failed to create runtime directory")
}
