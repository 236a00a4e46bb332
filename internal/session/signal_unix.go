//go:build unix

package session

import (
	"syscall"
	"time"
)

// terminateProcess delivers SIGTERM to pid and its process group, waits
// out the grace period, then follows with SIGKILL. Signal errors are
// ignored; the process may already be gone.
func terminateProcess(pid int, grace time.Duration) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	time.Sleep(grace)

	_ = syscall.Kill(pid, syscall.SIGKILL)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
