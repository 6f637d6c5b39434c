package main

import (
	"log"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	unlock, err := acquireLock(path)
	if err != nil {
		t.Fatalf("first acquireLock failed: %v", err)
	}
	defer unlock()

	if _, err := acquireLock(path); err == nil {
		t.Fatalf("expected second acquireLock to fail while the first holds the lock")
	}
}

func TestAcquireLockReleasedOnUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.lock")

	unlock, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	unlock()

	unlock2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("expected to reacquire lock after release, got: %v", err)
	}
	unlock2()
}

func TestRunSyncWithLockFileRunsTwice(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "tsdb.db")
	lockPath := filepath.Join(dir, "sync.lock")

	contents := "store:\n  db_path: " + dbPath + "\n"
	if err := os.WriteFile(configPath, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	logger := log.New(os.Stderr, "test ", 0)
	if err := runSync([]string{"-config", configPath, "-lock-file", lockPath}, "test-run", logger); err != nil {
		t.Fatalf("runSync failed: %v", err)
	}

	// A second invocation against the same store, with no new incoming
	// rows, should still succeed cleanly (an idempotent no-op pass).
	if err := runSync([]string{"-config", configPath, "-lock-file", lockPath}, "test-run-2", logger); err != nil {
		t.Fatalf("second runSync failed: %v", err)
	}
}

func TestRunSyncRejectsBadConfigPath(t *testing.T) {
	logger := log.New(os.Stderr, "test ", 0)
	err := runSync([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, "test-run", logger)
	if err == nil {
		t.Fatalf("expected runSync to fail with a missing config file")
	}
}

func TestRunDaemonRejectsBadConfigPath(t *testing.T) {
	logger := log.New(os.Stderr, "test ", 0)
	err := runDaemon([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, "test-run", logger)
	if err == nil {
		t.Fatalf("expected runDaemon to fail with a missing config file")
	}
}
