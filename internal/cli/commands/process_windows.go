//go:build windows

package commands

import (
	"os"
	"time"
)

// checkProcessRunning reports whether pid can be opened. Windows has no
// signal 0, so a successful FindProcess is taken as running.
func checkProcessRunning(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// terminateProcess kills the daemon; Windows cannot deliver SIGTERM.
func terminateProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

func waitForProcessExit(pid int, timeout time.Duration) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
