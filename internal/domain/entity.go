// Package domain contains core entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// ProcessState is the liveness of the process named by a PID file.
type ProcessState int

const (
	// StateNotRunning means no PID file exists or the process is gone.
	StateNotRunning ProcessState = iota
	// StateRunning means the recorded PID answered the signal-0 probe.
	StateRunning
	// StateStale means a PID file existed but named a dead process.
	// It is reclaimed as soon as it is observed.
	StateStale
	// StateUnknown means the probe was refused (EPERM): a process exists
	// but belongs to someone else.
	StateUnknown
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateNotRunning:
		return "not running"
	case StateStale:
		return "stale"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// Paths identifies the on-disk handle of one named daemon instance.
type Paths struct {
	RuntimeDir string
	PIDFile    string // <id>.pid, plain decimal PID
	LockFile   string // <id>.lock, empty lock target
	LogFile    string // <id>.log, append-only
}

// ShowWindowRequest is the only message of the IPC protocol.
type ShowWindowRequest struct {
	InitialText string
}

// ProcessInfo describes a live process for status output.
type ProcessInfo struct {
	PID       int
	Name      string
	Cmdline   string
	StartedAt time.Time
	RSSBytes  uint64
}

// ConversationSnapshot is the unsaved state handed over by the GUI layer
// before its window is replaced. The payload is opaque to this module.
type ConversationSnapshot struct {
	ConversationID string
	Payload        []byte
	TakenAt        time.Time
}

// InstanceRecord is one run of the long-lived instance.
type InstanceRecord struct {
	PID        int
	Version    string
	Foreground bool
	StartedAt  time.Time
	StoppedAt  time.Time // zero while running
}

// Activation records one ShowWindow request received by an instance.
type Activation struct {
	ID          string
	InstancePID int
	Source      string // "ipc" or "startup"
	TextLength  int
	ReceivedAt  time.Time
}
