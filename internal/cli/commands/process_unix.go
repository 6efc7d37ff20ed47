//go:build !windows

package commands

import (
	"syscall"
	"time"
)

// checkProcessRunning probes pid with signal 0.
func checkProcessRunning(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// terminateProcess asks the daemon to shut down; it drains sessions on SIGTERM.
func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func waitForProcessExit(pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !checkProcessRunning(pid) {
			return
		}
		time.Sleep(150 * time.Millisecond)
	}
}
