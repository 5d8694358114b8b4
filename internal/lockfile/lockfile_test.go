package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireLock_WritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	h := parseHolder(string(data))
	if h.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), h.PID)
	}
	if h.StartedAt == "" {
		t.Error("expected start time in lock file")
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected second AcquireLock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	if !strings.Contains(err.Error(), lockErr.LockPath) || !strings.Contains(err.Error(), "running") {
		t.Errorf("error message lacks lock path or holder state: %s", err)
	}

	// The failed attempt must not erase the holder record.
	data, _ := os.ReadFile(first.Path())
	if parseHolder(string(data)).PID != os.Getpid() {
		t.Errorf("holder record lost after failed attempt: %q", data)
	}
}

func TestRelease_RemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("expected lock file to be removed, stat err=%v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release returned error: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireLock_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected state directory to exist, err=%v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=42\nstarted=2026-10-14T09:00:00Z\n", Holder{PID: 42, StartedAt: "2026-10-14T09:00:00Z"}},
		{"pid only", "pid=7", Holder{PID: 7}},
		{"garbage", "hello\nworld", Holder{}},
		{"bad pid", "pid=abc\n", Holder{}},
		{"empty", "", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHolder(tt.content); got != tt.want {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("unexpected zero holder string %q", got)
	}
	self := Holder{PID: os.Getpid()}
	if got := self.String(); !strings.Contains(got, strconv.Itoa(os.Getpid())) || !strings.Contains(got, "(running)") {
		t.Errorf("unexpected holder string %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("expected current process to be running")
	}
	if isProcessRunning(999999) {
		t.Error("expected pid 999999 not to be running")
	}
}
