// Package daemon guards a coordinator run with a locked PID file so only one
// coordinator process drives a ledger at a time.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when another live coordinator holds the lock.
var ErrAlreadyRunning = errors.New("coordinator already running")

// PIDFile manages a PID file for coordinator process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Lock is an acquired coordinator lock. Release it on every exit path.
type Lock struct {
	pid  *PIDFile
	file *os.File
}

// Acquire takes the coordinator lock at path and records the current PID
// in it. It returns ErrAlreadyRunning while another process holds the lock.
// A PID file left behind by a dead process is taken over.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	file, err := lockFile(path)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			pf := NewPIDFile(path)
			if pid, err := pf.Read(); err == nil {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, pid, path)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
		}
		return nil, err
	}

	if err := file.Truncate(0); err != nil {
		_ = unlockFile(file)
		return nil, fmt.Errorf("truncate lock: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = unlockFile(file)
		return nil, fmt.Errorf("write lock pid: %w", err)
	}

	return &Lock{pid: NewPIDFile(path), file: file}, nil
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file
	// that is about to disappear.
	removeErr := l.pid.Remove()
	err := unlockFile(l.file)
	l.file = nil
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", removeErr)
	}
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.pid.Path }
