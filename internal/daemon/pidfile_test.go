package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWritePID_ReadPID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPID got %d, want %d", pid, os.Getpid())
	}
}

func TestWritePID_SameProcessTwice(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("first WritePID: %v", err)
	}
	if err := WritePID(dir); err != nil {
		t.Fatalf("second WritePID by the same process: %v", err)
	}
}

func TestWritePID_LiveOwner(t *testing.T) {
	dir := t.TempDir()

	// The parent of the test binary is alive for the duration of the test.
	owner := os.Getppid()
	if owner <= 1 {
		t.Skip("no usable parent process")
	}
	if err := os.WriteFile(filepath.Join(dir, pidFilename), []byte(strconv.Itoa(owner)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := WritePID(dir)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("WritePID err = %v, want ErrAlreadyRunning", err)
	}
}

func TestWritePID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, pidFilename), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID over garbage: %v", err)
	}
	pid, err := ReadPID(dir)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v; want %d", pid, err, os.Getpid())
	}
}

func TestWritePID_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID with nested dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, pidFilename)); err != nil {
		t.Fatalf("PID file missing: %v", err)
	}
}

func TestReadPID_NoFile(t *testing.T) {
	if _, err := ReadPID(t.TempDir()); err == nil {
		t.Fatal("expected error reading nonexistent PID file")
	}
}

func TestReadPID_InvalidContent(t *testing.T) {
	for _, content := range []string{"not-a-number", "0", "-4"} {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, pidFilename), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := ReadPID(dir); err == nil {
			t.Errorf("ReadPID(%q): expected error", content)
		}
	}
}

func TestRemovePID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, pidFilename)); !os.IsNotExist(err) {
		t.Error("PID file still exists after RemovePID")
	}

	// A second removal is a no-op.
	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID on nonexistent file: %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	if IsRunning(dir) {
		t.Error("IsRunning returned true with no PID file")
	}

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if !IsRunning(dir) {
		t.Error("IsRunning returned false for our own PID")
	}
}
