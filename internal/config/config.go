// Package config loads the daemon configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

const (
	// AppID names the runtime files (<id>.pid, <id>.lock, <id>.log).
	AppID = "popup-ai"

	// BusName, ObjectPath and Interface are the well-known IPC endpoint.
	// Existing launcher scripts depend on them; do not change.
	BusName    = "io.github.chenkeao.PopupAI"
	ObjectPath = "/io/github/chenkeao/PopupAI"
	Interface  = "io.github.chenkeao.PopupAI"

	fileName = "popup-ai/daemon.toml"
)

// Duration is a time.Duration written as "500ms", "5s" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	AppID      string          `toml:"app_id"`
	RuntimeDir string          `toml:"runtime_dir"` // empty: $XDG_RUNTIME_DIR or /tmp/runtime-<uid>
	Daemon     DaemonConfig    `toml:"daemon"`
	IPC        IPCConfig       `toml:"ipc"`
	Log        LogConfig       `toml:"log"`
	State      StateConfig     `toml:"state"`
	Presenter  PresenterConfig `toml:"presenter"`
	Workers    WorkersConfig   `toml:"workers"`
}

type DaemonConfig struct {
	StartConfirm     Duration `toml:"start_confirm"`      // how long the parent waits for the PID file
	StopTimeout      Duration `toml:"stop_timeout"`       // SIGTERM grace before SIGKILL
	KillGrace        Duration `toml:"kill_grace"`         // wait after SIGKILL
	RestartDelay     Duration `toml:"restart_delay"`      // settle time between stop and start
	LockTimeout      Duration `toml:"lock_timeout"`       // scoped FileLock timeout
	PollInterval     Duration `toml:"poll_interval"`      // liveness and lock retry interval
	PIDCheckInterval Duration `toml:"pid_check_interval"` // instance self-check of its PID file
}

type IPCConfig struct {
	BusName          string   `toml:"bus_name"`
	ObjectPath       string   `toml:"object_path"`
	Interface        string   `toml:"interface"`
	OwnerTimeout     Duration `toml:"owner_timeout"`     // GetNameOwner timeout
	RegistrationWait Duration `toml:"registration_wait"` // wait for a just-started instance to claim the name
	WaitReply        bool     `toml:"wait_reply"`        // false: fire-and-forget ShowWindow
}

type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

type StateConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // empty: $XDG_DATA_HOME/popup-ai
}

type PresenterConfig struct {
	// Command runs an external GUI for each ShowWindow; "{text}" is
	// replaced by the initial text. Empty: log only.
	Command []string `toml:"command"`
}

type WorkersConfig struct {
	Max int `toml:"max"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AppID: AppID,
		Daemon: DaemonConfig{
			StartConfirm:     Duration(500 * time.Millisecond),
			StopTimeout:      Duration(5 * time.Second),
			KillGrace:        Duration(200 * time.Millisecond),
			RestartDelay:     Duration(500 * time.Millisecond),
			LockTimeout:      Duration(5 * time.Second),
			PollInterval:     Duration(100 * time.Millisecond),
			PIDCheckInterval: Duration(30 * time.Second),
		},
		IPC: IPCConfig{
			BusName:          BusName,
			ObjectPath:       ObjectPath,
			Interface:        Interface,
			OwnerTimeout:     Duration(time.Second),
			RegistrationWait: Duration(2 * time.Second),
		},
		Log:     LogConfig{Level: "info"},
		State:   StateConfig{Enabled: true},
		Workers: WorkersConfig{Max: 3},
	}
}

// DefaultPath returns the config file location, whether or not it exists.
func DefaultPath() string {
	if p, err := xdg.SearchConfigFile(fileName); err == nil {
		return p
	}
	return filepath.Join(xdg.ConfigHome, fileName)
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills fields a partial file left zero.
func (c *Config) applyDefaults() {
	def := Default()

	if c.AppID == "" {
		c.AppID = def.AppID
	}
	fill := func(v *Duration, d Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&c.Daemon.StartConfirm, def.Daemon.StartConfirm)
	fill(&c.Daemon.StopTimeout, def.Daemon.StopTimeout)
	fill(&c.Daemon.KillGrace, def.Daemon.KillGrace)
	fill(&c.Daemon.RestartDelay, def.Daemon.RestartDelay)
	fill(&c.Daemon.LockTimeout, def.Daemon.LockTimeout)
	fill(&c.Daemon.PollInterval, def.Daemon.PollInterval)
	fill(&c.Daemon.PIDCheckInterval, def.Daemon.PIDCheckInterval)
	fill(&c.IPC.OwnerTimeout, def.IPC.OwnerTimeout)
	if c.IPC.RegistrationWait < 0 {
		c.IPC.RegistrationWait = 0
	}

	if c.IPC.BusName == "" {
		c.IPC.BusName = def.IPC.BusName
	}
	if c.IPC.ObjectPath == "" {
		c.IPC.ObjectPath = def.IPC.ObjectPath
	}
	if c.IPC.Interface == "" {
		c.IPC.Interface = def.IPC.Interface
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Workers.Max <= 0 {
		c.Workers.Max = def.Workers.Max
	}
}

// StateDir returns the directory of the encrypted state database.
func (c *Config) StateDir() string {
	if c.State.Dir != "" {
		return c.State.Dir
	}
	return filepath.Join(xdg.DataHome, c.AppID)
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
