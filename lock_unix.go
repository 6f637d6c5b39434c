//go:build !windows

package main

import (
	"fmt"
	"os"
	"syscall"
)

// acquireLock takes a non-blocking exclusive advisory lock on path,
// creating it if necessary, so overlapping "sync" invocations (e.g. from
// cron) fail fast instead of racing on the store.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another sync run holds the lock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
