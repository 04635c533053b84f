package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: x/sys/unix for the probe, gopsutil for signalling and inspection.
type ProcessManager interface {
	// Probe sends signal 0 to pid and classifies the result.
	Probe(pid int) ProcessState

	// Terminate sends SIGTERM.
	Terminate(pid int) error

	// Kill sends SIGKILL.
	Kill(pid int) error

	// Describe returns name, command line and start time of pid.
	Describe(pid int) (*ProcessInfo, error)

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// Presenter is the GUI boundary. Implementations are only ever called
// from the main loop goroutine.
type Presenter interface {
	// ShowWindow shows (constructing if needed) and focuses the window,
	// pre-filling its input with initialText. Safe to call repeatedly.
	ShowWindow(initialText string) error

	// RunningConversationState returns unsaved state that would be lost
	// if the current window were replaced.
	RunningConversationState() (*ConversationSnapshot, bool)
}

// StateStore persists what is needed to describe running instances.
// Implementation: SQLCipher database under the XDG data dir.
type StateStore interface {
	// RecordStart saves a new instance run.
	RecordStart(rec InstanceRecord) error

	// RecordStop marks the instance run of pid as stopped.
	RecordStop(pid int) error

	// RecordActivation appends a ShowWindow activation.
	RecordActivation(ctx context.Context, a Activation) error

	// LastInstance returns the most recent instance run, or nil.
	LastInstance() (*InstanceRecord, error)

	// LastActivation returns the most recent activation, or nil.
	LastActivation() (*Activation, error)

	// CountActivations returns the number of activations for pid.
	CountActivations(pid int) (int, error)

	// SaveSnapshot persists unsaved conversation state.
	SaveSnapshot(ctx context.Context, s ConversationSnapshot) error

	// Close releases the database connection.
	Close() error
}
