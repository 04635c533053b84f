package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoPIDFile is returned by Read when the file does not exist.
var ErrNoPIDFile = errors.New("pid file does not exist")

// PIDFile is a plain-text decimal PID with no trailing metadata.
// It records liveness candidates; it is not a lock.
type PIDFile struct {
	path string
}

// NewPIDFile returns a handle on path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file path.
func (f *PIDFile) Path() string {
	return f.path
}

// Exists reports whether the file is present.
func (f *PIDFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Read parses the stored PID. A missing file yields ErrNoPIDFile; any
// content that is not a positive decimal integer is a parse error.
func (f *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", f.path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parse pid file %s: invalid pid %d", f.path, pid)
	}
	return pid, nil
}

// Write stores pid atomically (write + rename).
func (f *PIDFile) Write(pid int) error {
	tmpPath := fmt.Sprintf("%s.%d.tmp", f.path, os.Getpid())
	if err := os.WriteFile(tmpPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Remove deletes the file. A missing file is not an error.
func (f *PIDFile) Remove() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveIf deletes the file only if it still names pid, so that a
// process never removes a successor's PID file.
func (f *PIDFile) RemoveIf(pid int) error {
	current, err := f.Read()
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return nil
		}
		return f.Remove()
	}
	if current != pid {
		return nil
	}
	return f.Remove()
}
