//go:build windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func (p *PIDFile) process() (*os.Process, int, error) {
	pid, err := p.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc, pid, nil
}

// IsRunning reports the recorded PID and whether it still answers a zero
// signal. FindProcess alone succeeds for any PID on Windows.
func (p *PIDFile) IsRunning() (int, bool) {
	proc, pid, err := p.process()
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

// Signal delivers sig to the recorded process. Only os.Kill is reliable here.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	proc, _, err := p.process()
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// lockFile creates the lock exclusively. A leftover file whose process is
// gone is replaced.
func lockFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrExist) {
		if _, running := NewPIDFile(path).IsRunning(); running {
			return nil, ErrAlreadyRunning
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return file, nil
}

func unlockFile(file *os.File) error {
	return file.Close()
}
