package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyLocked reports another live supervisor owning the pid file.
type ErrAlreadyLocked struct {
	PID int
}

func (e *ErrAlreadyLocked) Error() string {
	return fmt.Sprintf("scheduler: supervisor already running with pid %d", e.PID)
}

// PIDFile is the single-flight guard for the whole supervisor process.
type PIDFile struct {
	path string
}

// AcquirePIDFile refuses to start when the recorded pid belongs to a live
// process; a stale pid is deleted and rewritten.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && pid > 0 && processAlive(pid) {
			return nil, &ErrAlreadyLocked{PID: pid}
		}
		_ = os.Remove(path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	return &PIDFile{path: path}, nil
}

// Release deletes the pid file. Safe to call more than once.
func (p *PIDFile) Release() {
	if p != nil {
		_ = os.Remove(p.path)
	}
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
