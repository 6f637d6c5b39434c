//go:build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// acquireLock takes a non-blocking exclusive advisory lock on path via
// LockFileEx, mirroring the unix flock behavior in lock_unix.go.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	ol := new(windows.Overlapped)
	handle := windows.Handle(f.Fd())
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol); err != nil {
		f.Close()
		return nil, fmt.Errorf("another sync run holds the lock: %w", err)
	}
	return func() {
		windows.UnlockFileEx(handle, 0, 1, 0, ol)
		f.Close()
	}, nil
}
