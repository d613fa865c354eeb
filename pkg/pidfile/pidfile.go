// Package pidfile keeps a single fieldclockd instance per device.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning means another live process owns the PID file
var ErrRunning = errors.New("daemon already running")

// PIDFile is a PID file owned by the current process
type PIDFile struct {
	path  string
	pid   int
	alive func(pid int) bool
}

// New returns a PIDFile for path owned by this process
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid(), alive: processAlive}
}

// processAlive sends signal 0 to pid. EPERM still means it exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CheckRunning reports whether another live process holds the file
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if pid == p.pid {
		return false, pid, nil
	}
	return p.alive(pid), pid, nil
}

// Create writes our PID, replacing a stale file. It fails with ErrRunning
// while another live process holds it.
func (p *PIDFile) Create() error {
	running, pid, err := p.CheckRunning()
	if err != nil {
		// unreadable content is treated as stale
		running = false
	}
	if running {
		return fmt.Errorf("%w with PID %d", ErrRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Remove deletes the file if it still carries our PID
func (p *PIDFile) Remove() error {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file belongs to %d, not removing", pid)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the file regardless of owner
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Path returns the file location
func (p *PIDFile) Path() string { return p.path }

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %q", p.path, s)
	}
	return pid, nil
}
