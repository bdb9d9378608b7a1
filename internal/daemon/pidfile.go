package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "llmrelay.pid"

// ErrAlreadyRunning is returned by WritePID when a live relay owns the PID file.
var ErrAlreadyRunning = errors.New("llmrelay is already running")

// WritePID claims dataDir/llmrelay.pid for the current process. A PID file
// left behind by a dead process is replaced; one held by a live process
// other than this one yields ErrAlreadyRunning.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}
	path := pidPath(dataDir)
	self := os.Getpid()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(self))
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("writing PID file %s: %w", path, werr)
			}
			return cerr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating PID file %s: %w", path, err)
		}

		pid, rerr := ReadPID(dataDir)
		switch {
		case rerr == nil && pid == self:
			return nil
		case rerr == nil && isProcessAlive(pid):
			return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
		}
		// Stale or unreadable: clear it and try again.
		if err := RemovePID(dataDir); err != nil {
			return err
		}
	}
	return fmt.Errorf("claiming PID file %s: lost race with another process", path)
}

// ReadPID returns the PID recorded in dataDir.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parsing PID from %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePID deletes the PID file. A missing file is not an error.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return false
	}
	return isProcessAlive(pid)
}

// isProcessAlive sends signal 0, which checks existence without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
