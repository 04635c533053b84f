package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
)

// helperEnv selects a helper role when the test binary re-executes itself
// as the daemon.
const helperEnv = "POPUPAI_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "daemon":
		os.Exit(runHelperDaemon())
	case "stubborn":
		os.Exit(runHelperStubborn())
	case "exit":
		fmt.Println("helper exiting without attaching")
		os.Exit(3)
	default:
		fmt.Fprintf(os.Stderr, "unknown helper %q\n", os.Getenv(helperEnv))
		os.Exit(2)
	}
}

// runHelperDaemon attaches like the real service and waits for SIGTERM.
func runHelperDaemon() int {
	paths, err := infra.ResolvePaths(config.AppID, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx, inst, err := Attach(context.Background(), paths, zap.NewNop())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("helper daemon %d ready\n", inst.PID())
	<-ctx.Done()
	inst.Detach()
	return 0
}

// runHelperStubborn records its PID but ignores SIGTERM.
func runHelperStubborn() int {
	paths, err := infra.ResolvePaths(config.AppID, "")
	if err != nil {
		return 1
	}
	signal.Ignore(syscall.SIGTERM)
	if err := infra.NewPIDFile(paths.PIDFile).Write(os.Getpid()); err != nil {
		return 1
	}
	fmt.Println("stubborn helper ready")
	time.Sleep(time.Hour)
	return 0
}

// testDaemonConfig keeps the defaults but leaves room for a slow test
// binary to start.
func testDaemonConfig() config.DaemonConfig {
	cfg := config.Default().Daemon
	cfg.StartConfirm = config.Duration(5 * time.Second)
	cfg.RestartDelay = config.Duration(50 * time.Millisecond)
	return cfg
}

// newTestManager returns a Manager that spawns the test binary as the
// given helper, with its runtime files in a temp directory.
func newTestManager(t *testing.T, helper string, cfg config.DaemonConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	paths, err := infra.ResolvePaths(config.AppID, "")
	require.NoError(t, err)

	m, err := NewManager(Options{
		Paths:  paths,
		Config: cfg,
		Env:    append(os.Environ(), helperEnv+"="+helper, "XDG_RUNTIME_DIR="+dir),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if pid, ok := m.GetPID(); ok {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	})
	return m
}

func readPIDFile(t *testing.T, m *Manager) int {
	t.Helper()
	data, err := os.ReadFile(m.Paths().PIDFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	return pid
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestNewManager_RequiresPaths(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	ctx := context.Background()

	assert.False(t, m.IsRunning())
	assert.Equal(t, domain.StateNotRunning, m.State())

	require.NoError(t, m.Start(ctx, nil))
	assert.True(t, m.IsRunning())

	pid, ok := m.GetPID()
	require.True(t, ok)
	assert.Equal(t, readPIDFile(t, m), pid, "GetPID matches the PID file")

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.IsRunning())
	assert.NoFileExists(t, m.Paths().PIDFile)
}

func TestManager_StartWhenRunning(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, nil))
	pid, _ := m.GetPID()

	err := m.Start(ctx, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	again, ok := m.GetPID()
	require.True(t, ok)
	assert.Equal(t, pid, again, "no second process was spawned")

	require.NoError(t, m.Stop(ctx))
}

func TestManager_ConcurrentStartsYieldOneInstance(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	ctx := context.Background()

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start(ctx, nil)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrLockBusy):
		default:
			t.Errorf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, started)

	pid, ok := m.GetPID()
	require.True(t, ok)
	assert.Equal(t, readPIDFile(t, m), pid)

	require.NoError(t, m.Stop(ctx))
}

func TestManager_StalePIDFileIsReclaimed(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	require.NoError(t, infra.NewPIDFile(m.Paths().PIDFile).Write(deadPID(t)))

	assert.False(t, m.IsRunning())
	assert.NoFileExists(t, m.Paths().PIDFile)
}

func TestManager_CorruptPIDFileIsReclaimed(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	require.NoError(t, os.WriteFile(m.Paths().PIDFile, []byte("garbage"), 0644))

	assert.Equal(t, domain.StateNotRunning, m.State())
	assert.NoFileExists(t, m.Paths().PIDFile)
}

func TestManager_StopWhenNotRunning(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())

	entries, err := os.ReadDir(m.Paths().RuntimeDir)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, m.Stop(context.Background()), ErrNotRunning)
	}
	assert.NoFileExists(t, m.Paths().PIDFile)

	after, err := os.ReadDir(m.Paths().RuntimeDir)
	require.NoError(t, err)
	names := func(es []os.DirEntry) []string {
		var out []string
		for _, e := range es {
			if e.Name() != filepath.Base(m.Paths().LockFile) {
				out = append(out, e.Name())
			}
		}
		return out
	}
	assert.Equal(t, names(entries), names(after))
}

func TestManager_StopEscalatesToKill(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.StopTimeout = config.Duration(time.Second)
	m := newTestManager(t, "stubborn", cfg)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, nil))
	pid, ok := m.GetPID()
	require.True(t, ok)

	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, time.Second, "SIGTERM grace was honored")
	assert.LessOrEqual(t, elapsed, 1300*time.Millisecond, "SIGKILL follows the timeout promptly")
	assert.Equal(t, domain.StateNotRunning, m.State())
	assert.NotEqual(t, domain.StateRunning, infra.NewProcessManager().Probe(pid))
	assert.NoFileExists(t, m.Paths().PIDFile)
}

func TestManager_StartUnconfirmed(t *testing.T) {
	m := newTestManager(t, "exit", testDaemonConfig())

	err := m.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrStartUnconfirmed)
	assert.False(t, m.IsRunning())
}

func TestManager_LockBusy(t *testing.T) {
	cfg := testDaemonConfig()
	cfg.LockTimeout = config.Duration(200 * time.Millisecond)
	m := newTestManager(t, "daemon", cfg)

	holder := infra.NewFileLock(m.Paths().LockFile, nil)
	require.True(t, holder.Acquire(0))
	defer holder.Release()

	assert.ErrorIs(t, m.Start(context.Background(), nil), ErrLockBusy)
	assert.ErrorIs(t, m.Stop(context.Background()), ErrLockBusy)
	assert.False(t, m.IsRunning(), "nothing was spawned")
}

func TestManager_Restart(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	ctx := context.Background()

	// Restart from stopped simply starts
	require.NoError(t, m.Restart(ctx, nil))
	first, ok := m.GetPID()
	require.True(t, ok)

	require.NoError(t, m.Restart(ctx, nil))
	second, ok := m.GetPID()
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, domain.StateRunning, infra.NewProcessManager().Probe(first))

	require.NoError(t, m.Stop(ctx))
}

func TestManager_LogFileIsAppended(t *testing.T) {
	m := newTestManager(t, "daemon", testDaemonConfig())
	ctx := context.Background()

	require.NoError(t, os.WriteFile(m.Paths().LogFile, []byte("previous run\n"), 0644))

	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Stop(ctx))

	data, err := os.ReadFile(m.Paths().LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "previous run\n")
	assert.Contains(t, string(data), "helper daemon")
}

func TestManager_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may signal any process")
	}
	m := newTestManager(t, "daemon", testDaemonConfig())
	// pid 1 is alive but not ours
	require.NoError(t, infra.NewPIDFile(m.Paths().PIDFile).Write(1))

	assert.Equal(t, domain.StateUnknown, m.State())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(context.Background(), nil), ErrPermission)
	assert.ErrorIs(t, m.Stop(context.Background()), ErrPermission)
	assert.FileExists(t, m.Paths().PIDFile, "pid file of a foreign process is kept")
}

func TestManager_UsesMockProcessManager(t *testing.T) {
	dir := t.TempDir()
	paths := infra.PathsFor(dir, config.AppID)
	pm := newMockProcessManager()

	m, err := NewManager(Options{
		Paths:          paths,
		Config:         testDaemonConfig(),
		Executable:     "/nonexistent",
		ProcessManager: pm,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	require.NoError(t, infra.NewPIDFile(paths.PIDFile).Write(4321))
	pm.SetRunning(4321, true)
	pm.exitOnTerm = true

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []int{4321}, pm.terminated)
	assert.Empty(t, pm.killed)
	assert.NoFileExists(t, paths.PIDFile)
}

// mockProcessManager is a test double for domain.ProcessManager.
type mockProcessManager struct {
	mu         sync.Mutex
	running    map[int]bool
	exitOnTerm bool
	terminated []int
	killed     []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{running: make(map[int]bool)}
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[pid] = running
}

func (m *mockProcessManager) Probe(pid int) domain.ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[pid] {
		return domain.StateRunning
	}
	return domain.StateNotRunning
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, pid)
	if m.exitOnTerm {
		delete(m.running, pid)
	}
	return nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, pid)
	delete(m.running, pid)
	return nil
}

func (m *mockProcessManager) Describe(pid int) (*domain.ProcessInfo, error) {
	return &domain.ProcessInfo{PID: pid}, nil
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

var _ domain.ProcessManager = (*mockProcessManager)(nil)
