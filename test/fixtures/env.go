// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/domain"
	"github.com/chenkeao/popup-ai/internal/infra"
)

// Env is an isolated set of XDG directories for one popup-ai run.
type Env struct {
	Root       string
	RuntimeDir string
	ConfigHome string
	DataHome   string
	BusAddress string // empty: no session bus
}

// NewEnv creates the directories under root.
func NewEnv(root string) (*Env, error) {
	e := &Env{
		Root:       root,
		RuntimeDir: filepath.Join(root, "run"),
		ConfigHome: filepath.Join(root, "config"),
		DataHome:   filepath.Join(root, "data"),
	}
	for _, dir := range []string{e.RuntimeDir, e.ConfigHome, e.DataHome} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Paths returns the runtime file paths popup-ai will use.
func (e *Env) Paths() domain.Paths {
	return infra.PathsFor(e.RuntimeDir, config.AppID)
}

// WriteConfig writes cfg where popup-ai looks for it.
func (e *Env) WriteConfig(cfg *config.Config) error {
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	path := filepath.Join(e.ConfigHome, "popup-ai", "daemon.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Environ returns os.Environ() with the XDG and bus variables replaced.
func (e *Env) Environ() []string {
	override := map[string]string{
		"XDG_RUNTIME_DIR":          e.RuntimeDir,
		"XDG_CONFIG_HOME":          e.ConfigHome,
		"XDG_DATA_HOME":            e.DataHome,
		"DBUS_SESSION_BUS_ADDRESS": e.BusAddress,
	}
	if e.BusAddress == "" {
		// An unreachable address keeps the tool off the user's real bus.
		override["DBUS_SESSION_BUS_ADDRESS"] = "unix:path=" + filepath.Join(e.Root, "no-bus")
	}

	var env []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := override[key]; !ok {
			env = append(env, kv)
		}
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}
	return env
}
